package deploy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/splax/localship/internal/domain"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestClassifyPriority(t *testing.T) {
	cases := []struct {
		name  string
		files map[string]string
		want  domain.ProjectType
	}{
		{"dockerfile wins", map[string]string{"Dockerfile": "FROM x", "package.json": "{}", "index.html": ""}, domain.ProjectDocker},
		{"lowercase dockerfile", map[string]string{"dockerfile": "FROM x"}, domain.ProjectDocker},
		{"manifest over static", map[string]string{"package.json": "{}", "index.html": ""}, domain.ProjectNode},
		{"static", map[string]string{"index.html": "<p>hi</p>"}, domain.ProjectStatic},
		{"unknown", map[string]string{"main.go": "package main"}, domain.ProjectUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, tc.files)
			if got := Classify(dir); got != tc.want {
				t.Fatalf("Classify = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestEnsureBuildfileNode(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"package.json": `{"packageManager":"pnpm@9.1.0","scripts":{"build":"vite build","start":"node dist/server.js"}}`,
	})
	generated, err := ensureBuildfile(dir, domain.ProjectNode, 3000)
	if err != nil {
		t.Fatalf("ensureBuildfile error: %v", err)
	}
	if !generated {
		t.Fatalf("expected Dockerfile to be generated")
	}
	content, _ := os.ReadFile(filepath.Join(dir, dockerfileName))
	for _, want := range []string{"pnpm install", "RUN pnpm run build", "ENV PORT=3000", "EXPOSE 3000", `CMD ["pnpm","start"]`} {
		if !strings.Contains(string(content), want) {
			t.Fatalf("Dockerfile missing %q:\n%s", want, content)
		}
	}
}

func TestEnsureBuildfileNodeWithoutStartScript(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"package.json": `{"main":"app.js"}`})
	if _, err := ensureBuildfile(dir, domain.ProjectNode, 8080); err != nil {
		t.Fatalf("ensureBuildfile error: %v", err)
	}
	content, _ := os.ReadFile(filepath.Join(dir, dockerfileName))
	if !strings.Contains(string(content), `CMD ["node","app.js"]`) {
		t.Fatalf("expected node entrypoint, got:\n%s", content)
	}
	if strings.Contains(string(content), "npm run build") {
		t.Fatalf("build step should be omitted without a build script")
	}
}

func TestEnsureBuildfileStatic(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"index.html": "<h1>hi</h1>"})
	if _, err := ensureBuildfile(dir, domain.ProjectStatic, 3000); err != nil {
		t.Fatalf("ensureBuildfile error: %v", err)
	}
	conf, err := os.ReadFile(filepath.Join(dir, generatedNginxCfg))
	if err != nil {
		t.Fatalf("expected nginx config: %v", err)
	}
	if !strings.Contains(string(conf), "listen 3000;") {
		t.Fatalf("nginx config should listen on app port:\n%s", conf)
	}
}

func TestEnsureBuildfileKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"dockerfile": "FROM busybox\n", "package.json": "{}"})
	generated, err := ensureBuildfile(dir, domain.ProjectDocker, 3000)
	if err != nil {
		t.Fatalf("ensureBuildfile error: %v", err)
	}
	if generated {
		t.Fatalf("existing Dockerfile must not be replaced")
	}
	content, err := os.ReadFile(filepath.Join(dir, dockerfileName))
	if err != nil || string(content) != "FROM busybox\n" {
		t.Fatalf("expected normalized Dockerfile, got %q (%v)", content, err)
	}
}

func TestParseNodePackageManager(t *testing.T) {
	cases := map[string]nodePackageManager{
		"yarn@4.0.0": nodePMYarn,
		"pnpm":       nodePMPNPM,
		" NPM@10 ":   nodePMNPM,
		"bun@1":      "",
	}
	for input, want := range cases {
		if got := parseNodePackageManager(input); got != want {
			t.Fatalf("parseNodePackageManager(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNormalizeName(t *testing.T) {
	valid := map[string]string{"Notes": "notes", " my-app ": "my-app", "a": "a", "app2": "app2"}
	for input, want := range valid {
		got, err := NormalizeName(input)
		if err != nil || got != want {
			t.Fatalf("NormalizeName(%q) = %q, %v", input, got, err)
		}
	}
	for _, input := range []string{"", "-app", "app-", "my_app", "a.b", strings.Repeat("a", 64)} {
		if _, err := NormalizeName(input); err == nil {
			t.Fatalf("NormalizeName(%q) should fail", input)
		}
	}
}
