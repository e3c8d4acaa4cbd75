package worker

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dumcel/deployer/pkg/api/client"
)

func TestPlanBuildDetectsRuntime(t *testing.T) {
	cases := []struct {
		name    string
		files   map[string]string
		project client.Project
		runtime Runtime
		port    int
		pm      string
		expect  []string
	}{
		{
			name:    "next with pnpm lockfile",
			files:   map[string]string{"package.json": `{"dependencies":{"next":"14.0.0"},"scripts":{"build":"next build"}}`, "pnpm-lock.yaml": ""},
			runtime: RuntimeNext,
			port:    3000,
			pm:      "pnpm",
			expect:  []string{"RUN corepack enable", "RUN pnpm install --frozen-lockfile", "RUN pnpm run build", "next start -p $PORT"},
		},
		{
			name:    "node honours packageManager and custom commands",
			files:   map[string]string{"package.json": `{"packageManager":"yarn@4.1.0","scripts":{"start":"node server.js"}}`},
			project: client.Project{InstallCommand: "yarn install", BuildCommand: "yarn compile", OutputPort: 8080},
			runtime: RuntimeNode,
			port:    8080,
			pm:      "yarn",
			expect:  []string{"RUN yarn install", "RUN yarn compile", `CMD ["yarn", "run", "start"]`, "EXPOSE 8080"},
		},
		{
			name:    "go module",
			files:   map[string]string{"go.mod": "module example.com/app\n"},
			runtime: RuntimeGo,
			port:    3000,
			expect:  []string{"FROM golang:1.24 AS build", "go build -o /out/app ."},
		},
		{
			name:    "static site",
			files:   map[string]string{"index.html": "<h1>hi</h1>"},
			runtime: RuntimeStatic,
			port:    80,
			expect:  []string{"COPY . /usr/share/nginx/html"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, body := range tc.files {
				writeFile(t, dir, name, body)
			}
			plan, err := PlanBuild(dir, tc.project)
			if err != nil {
				t.Fatalf("plan: %v", err)
			}
			if plan.Runtime != tc.runtime || plan.ContainerPort != tc.port || plan.PackageManager != tc.pm {
				t.Fatalf("unexpected plan %+v", plan)
			}
			if !plan.DockerfileGenerated || plan.HostInstall != "" || plan.HostBuild != "" {
				t.Fatalf("generated plans must run commands inside the image: %+v", plan)
			}
			dockerfile := readFile(t, filepath.Join(dir, "Dockerfile"))
			for _, want := range tc.expect {
				if !strings.Contains(dockerfile, want) {
					t.Fatalf("dockerfile missing %q:\n%s", want, dockerfile)
				}
			}
			if _, err := os.Stat(filepath.Join(dir, ".dockerignore")); err != nil {
				t.Fatalf("expected .dockerignore: %v", err)
			}
		})
	}
}

func TestPlanBuildKeepsRepositoryDockerfile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", "FROM scratch\n")
	writeFile(t, dir, "package.json", `{}`)

	plan, err := PlanBuild(dir, client.Project{InstallCommand: " npm ci ", BuildCommand: "npm run build"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Runtime != RuntimeDockerfile || plan.DockerfileGenerated {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if plan.HostInstall != "npm ci" || plan.HostBuild != "npm run build" {
		t.Fatalf("host commands not carried: %+v", plan)
	}
	if got := readFile(t, filepath.Join(dir, "Dockerfile")); got != "FROM scratch\n" {
		t.Fatalf("repository Dockerfile overwritten: %q", got)
	}
}

func TestPlanBuildUnsupported(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", "nothing to build")
	if _, err := PlanBuild(dir, client.Project{}); !errors.Is(err, ErrUnsupportedRuntime) {
		t.Fatalf("expected ErrUnsupportedRuntime, got %v", err)
	}
}

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
