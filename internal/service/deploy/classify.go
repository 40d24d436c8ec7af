package deploy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/splax/localship/internal/domain"
)

const (
	dockerfileName   = "Dockerfile"
	manifestName     = "package.json"
	staticMarkerName = "index.html"

	generatedDir      = ".localship"
	generatedNginxCfg = generatedDir + "/nginx.conf"
)

// Classify picks the build strategy from marker files in dir. A build
// descriptor outranks a package manifest, which outranks a static marker.
func Classify(dir string) domain.ProjectType {
	names := rootFiles(dir)
	switch {
	case names[strings.ToLower(dockerfileName)]:
		return domain.ProjectDocker
	case names[manifestName]:
		return domain.ProjectNode
	case names[staticMarkerName]:
		return domain.ProjectStatic
	default:
		return domain.ProjectUnknown
	}
}

// ensureBuildfile synthesizes a Dockerfile for node and static projects
// when the bundle does not carry one. It reports whether a file was written.
func ensureBuildfile(dir string, typ domain.ProjectType, appPort int) (bool, error) {
	if rootFiles(dir)[strings.ToLower(dockerfileName)] {
		return false, normalizeDockerfileName(dir)
	}
	var content string
	switch typ {
	case domain.ProjectNode:
		manifest, _ := loadPackageManifest(dir)
		content = renderNodeDockerfile(manifest, detectNodePackageManager(dir), appPort)
	case domain.ProjectStatic:
		if err := writeNginxConfig(dir, appPort); err != nil {
			return false, err
		}
		content = renderStaticDockerfile(appPort)
	default:
		return false, fmt.Errorf("no build descriptor for project type %q", typ)
	}
	if err := os.WriteFile(filepath.Join(dir, dockerfileName), []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write dockerfile: %w", err)
	}
	return true, nil
}

type nodePackageManager string

const (
	nodePMNPM  nodePackageManager = "npm"
	nodePMYarn nodePackageManager = "yarn"
	nodePMPNPM nodePackageManager = "pnpm"
)

type npmManifest struct {
	Main           string            `json:"main"`
	PackageManager string            `json:"packageManager"`
	Scripts        map[string]string `json:"scripts"`
}

func (m *npmManifest) hasScript(name string) bool {
	if m == nil {
		return false
	}
	return strings.TrimSpace(m.Scripts[name]) != ""
}

func renderNodeDockerfile(manifest *npmManifest, pm nodePackageManager, appPort int) string {
	port := strconv.Itoa(appPort)
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM node:20-bullseye\n")
	b.WriteString("WORKDIR /app\n\n")
	switch pm {
	case nodePMYarn:
		b.WriteString("COPY package.json yarn.lock* ./\n")
		b.WriteString("RUN corepack enable && yarn install\n\n")
	case nodePMPNPM:
		b.WriteString("COPY package.json pnpm-lock.yaml* ./\n")
		b.WriteString("RUN corepack enable && pnpm install\n\n")
	default:
		b.WriteString("COPY package*.json ./\n")
		b.WriteString("RUN if [ -f package-lock.json ] || [ -f npm-shrinkwrap.json ]; then npm ci; else npm install; fi\n\n")
	}
	b.WriteString("COPY . ./\n")
	if manifest.hasScript("build") {
		b.WriteString("RUN " + runScript(pm, "build") + "\n")
	}
	b.WriteString("ENV NODE_ENV=production\n")
	b.WriteString("ENV PORT=" + port + "\n")
	b.WriteString("EXPOSE " + port + "\n")
	b.WriteString("CMD " + nodeCommand(manifest, pm) + "\n")
	return b.String()
}

func runScript(pm nodePackageManager, script string) string {
	switch pm {
	case nodePMYarn:
		return "yarn " + script
	case nodePMPNPM:
		return "pnpm run " + script
	default:
		return "npm run " + script
	}
}

func nodeCommand(manifest *npmManifest, pm nodePackageManager) string {
	if manifest.hasScript("start") {
		return fmt.Sprintf("[%q,%q]", string(pm), "start")
	}
	entry := "index.js"
	if manifest != nil && strings.TrimSpace(manifest.Main) != "" {
		entry = strings.TrimSpace(manifest.Main)
	}
	return fmt.Sprintf("[%q,%q]", "node", entry)
}

func renderStaticDockerfile(appPort int) string {
	port := strconv.Itoa(appPort)
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM nginx:1.27-alpine\n")
	b.WriteString("COPY " + generatedNginxCfg + " /etc/nginx/conf.d/default.conf\n")
	b.WriteString("COPY . /usr/share/nginx/html\n")
	b.WriteString("RUN rm -rf /usr/share/nginx/html/" + generatedDir + " /usr/share/nginx/html/" + dockerfileName + "\n")
	b.WriteString("EXPOSE " + port + "\n")
	return b.String()
}

func writeNginxConfig(dir string, appPort int) error {
	if err := os.MkdirAll(filepath.Join(dir, generatedDir), 0o755); err != nil {
		return fmt.Errorf("create generated dir: %w", err)
	}
	conf := fmt.Sprintf(`server {
    listen %d;
    root /usr/share/nginx/html;
    index index.html;
    location / {
        try_files $uri $uri/ /index.html;
    }
}
`, appPort)
	if err := os.WriteFile(filepath.Join(dir, generatedNginxCfg), []byte(conf), 0o644); err != nil {
		return fmt.Errorf("write nginx config: %w", err)
	}
	return nil
}

// normalizeDockerfileName renames a lowercase "dockerfile" so the build
// request can always name "Dockerfile".
func normalizeDockerfileName(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workspace: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(entry.Name(), dockerfileName) {
			continue
		}
		if entry.Name() == dockerfileName {
			return nil
		}
		return os.Rename(filepath.Join(dir, entry.Name()), filepath.Join(dir, dockerfileName))
	}
	return nil
}

func detectNodePackageManager(workdir string) nodePackageManager {
	if manifest, ok := loadPackageManifest(workdir); ok {
		if parsed := parseNodePackageManager(manifest.PackageManager); parsed != "" {
			return parsed
		}
	}
	files := rootFiles(workdir)
	switch {
	case files["yarn.lock"]:
		return nodePMYarn
	case files["pnpm-lock.yaml"]:
		return nodePMPNPM
	default:
		return nodePMNPM
	}
}

func parseNodePackageManager(value string) nodePackageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return nodePMYarn
	case "pnpm":
		return nodePMPNPM
	case "npm":
		return nodePMNPM
	default:
		return ""
	}
}

func loadPackageManifest(workdir string) (*npmManifest, bool) {
	data, err := os.ReadFile(filepath.Join(workdir, manifestName))
	if err != nil {
		return nil, false
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false
	}
	return &manifest, true
}

// rootFiles lists regular files at the top of dir. Dockerfile is matched
// case-insensitively, everything else exactly.
func rootFiles(dir string) map[string]bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	files := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.EqualFold(name, dockerfileName) {
			name = strings.ToLower(name)
		}
		files[name] = true
	}
	return files
}
