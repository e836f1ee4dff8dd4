package sandbox

// defaultImages maps each detected project type to a minimal image
// carrying that language's toolchain.
var defaultImages = map[ProjectType]string{
	ProjectGo:     "golang:1.23-alpine",
	ProjectNode:   "node:22-alpine",
	ProjectPython: "python:3.12-slim",
	ProjectRust:   "rust:1-slim",
}

// fallbackImage is used for unknown project types: small, with a shell
// and the usual busybox tools.
const fallbackImage = "alpine:3.20"

// GetImage returns the container image for a project type. An explicit
// override in the configuration always wins; unmapped types get the
// generic fallback image.
func GetImage(typ ProjectType, cfg Config) string {
	if cfg.Image != "" {
		return cfg.Image
	}
	if img, ok := defaultImages[typ]; ok {
		return img
	}
	return fallbackImage
}
