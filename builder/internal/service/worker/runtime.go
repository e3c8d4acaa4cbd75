package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/dumcel/deployer/pkg/api/client"
)

// Runtime names the toolchain detected in a repository.
type Runtime string

const (
	RuntimeDockerfile Runtime = "dockerfile"
	RuntimeNode       Runtime = "node"
	RuntimeNext       Runtime = "next"
	RuntimeGo         Runtime = "go"
	RuntimeStatic     Runtime = "static"
)

const defaultAppPort = 3000

// ErrUnsupportedRuntime indicates nothing in the repository tells us how to build it.
var ErrUnsupportedRuntime = errors.New("worker: unsupported runtime (add a Dockerfile, package.json, go.mod or index.html)")

// Plan is what the install step decided about a checkout.
type Plan struct {
	Runtime             Runtime
	PackageManager      string
	DockerfileGenerated bool
	ContainerPort       int
	// HostInstall and HostBuild run on the builder host before the image
	// build. They are only set when the repository ships its own Dockerfile;
	// generated Dockerfiles run the commands inside the image instead.
	HostInstall string
	HostBuild   string
}

type packageManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Scripts         map[string]string `json:"scripts"`
	PackageManager  string            `json:"packageManager"`
}

func (m packageManifest) uses(dep string) bool {
	_, ok := m.Dependencies[dep]
	if !ok {
		_, ok = m.DevDependencies[dep]
	}
	return ok
}

// PlanBuild inspects dir and, when the repository has no Dockerfile, writes
// one for the detected runtime.
func PlanBuild(dir string, project client.Project) (Plan, error) {
	port := project.OutputPort
	if hasDockerfile(dir) {
		if port <= 0 {
			port = defaultAppPort
		}
		return Plan{
			Runtime:       RuntimeDockerfile,
			ContainerPort: port,
			HostInstall:   strings.TrimSpace(project.InstallCommand),
			HostBuild:     strings.TrimSpace(project.BuildCommand),
		}, nil
	}

	data := dockerfileData{
		Install: strings.TrimSpace(project.InstallCommand),
		Build:   strings.TrimSpace(project.BuildCommand),
	}
	plan := Plan{DockerfileGenerated: true}
	var tmpl *template.Template

	switch manifest, ok := readManifest(dir); {
	case ok:
		pm := detectPackageManager(dir, manifest)
		plan.PackageManager = pm
		plan.Runtime = RuntimeNode
		if manifest.uses("next") {
			plan.Runtime = RuntimeNext
		}
		if data.Install == "" {
			data.Install = defaultInstall(pm)
		}
		if _, hasBuild := manifest.Scripts["build"]; data.Build == "" && hasBuild {
			data.Build = pm + " run build"
		}
		data.Start = nodeStart(plan.Runtime, pm, manifest)
		data.PackageManager = pm
		data.Next = plan.Runtime == RuntimeNext
		tmpl = nodeDockerfile
		if port <= 0 {
			port = defaultAppPort
		}
	case fileExists(filepath.Join(dir, "go.mod")):
		plan.Runtime = RuntimeGo
		tmpl = goDockerfile
		if port <= 0 {
			port = defaultAppPort
		}
	case fileExists(filepath.Join(dir, "index.html")):
		plan.Runtime = RuntimeStatic
		tmpl = staticDockerfile
		port = 80
	default:
		return Plan{}, ErrUnsupportedRuntime
	}

	plan.ContainerPort = port
	data.Port = port
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return Plan{}, fmt.Errorf("render dockerfile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), buf.Bytes(), 0o644); err != nil {
		return Plan{}, fmt.Errorf("write dockerfile: %w", err)
	}
	if !fileExists(filepath.Join(dir, ".dockerignore")) {
		_ = os.WriteFile(filepath.Join(dir, ".dockerignore"), []byte(".git\nnode_modules\n"), 0o644)
	}
	return plan, nil
}

type dockerfileData struct {
	Install        string
	Build          string
	Start          string
	PackageManager string
	Next           bool
	Port           int
}

var nodeDockerfile = template.Must(template.New("node").Parse(`# syntax=docker/dockerfile:1
FROM node:20-bookworm-slim
WORKDIR /app
{{- if ne .PackageManager "npm"}}
RUN corepack enable
{{- end}}
COPY . .
RUN {{.Install}}
{{- if .Build}}
RUN {{.Build}}
{{- end}}
ENV NODE_ENV=production
{{- if .Next}}
ENV NEXT_TELEMETRY_DISABLED=1
{{- end}}
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD {{.Start}}
`))

var goDockerfile = template.Must(template.New("go").Parse(`# syntax=docker/dockerfile:1
FROM golang:1.24 AS build
WORKDIR /src
COPY go.* ./
RUN go mod download
COPY . .
{{- if .Build}}
RUN {{.Build}}
{{- end}}
RUN CGO_ENABLED=0 go build -o /out/app .

FROM gcr.io/distroless/static-debian12
COPY --from=build /out/app /app
ENV PORT={{.Port}}
EXPOSE {{.Port}}
ENTRYPOINT ["/app"]
`))

var staticDockerfile = template.Must(template.New("static").Parse(`# syntax=docker/dockerfile:1
FROM nginx:1.27-alpine
COPY . /usr/share/nginx/html
EXPOSE 80
`))

func defaultInstall(pm string) string {
	switch pm {
	case "yarn":
		return "yarn install --frozen-lockfile"
	case "pnpm":
		return "pnpm install --frozen-lockfile"
	default:
		return "if [ -f package-lock.json ]; then npm ci; else npm install; fi"
	}
}

func nodeStart(rt Runtime, pm string, manifest packageManifest) string {
	if rt == RuntimeNext {
		return `["sh", "-c", "npx next start -p $PORT"]`
	}
	if _, ok := manifest.Scripts["start"]; ok {
		return fmt.Sprintf(`["%s", "run", "start"]`, pm)
	}
	return `["node", "index.js"]`
}

func detectPackageManager(dir string, manifest packageManifest) string {
	if name, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(manifest.PackageManager)), "@"); name == "yarn" || name == "pnpm" || name == "npm" {
		return name
	}
	switch {
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return "pnpm"
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return "yarn"
	default:
		return "npm"
	}
}

func readManifest(dir string) (packageManifest, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return packageManifest{}, false
	}
	var m packageManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return packageManifest{}, false
	}
	return m, true
}

func hasDockerfile(dir string) bool {
	return fileExists(filepath.Join(dir, "Dockerfile")) || fileExists(filepath.Join(dir, "dockerfile"))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
