package buildlog

// Pipeline step labels shared by the builder and the API.
const (
	StepClone   = "clone"
	StepInstall = "install"
	StepBuild   = "build"
	StepPublish = "publish"
)
