package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mike15254/md0-sub000/internal/domain"
)

// ensureDockerfile decides the build strategy for a checkout. If the
// repository ships its own Dockerfile it is used untouched; otherwise one is
// synthesized from the project's runtime kind. Returns true when a Dockerfile
// was generated.
func ensureDockerfile(dir string, project *domain.Project) (bool, error) {
	path := filepath.Join(dir, "Dockerfile")
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat Dockerfile: %w", err)
	}

	content, err := synthesizeDockerfile(dir, project)
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write Dockerfile: %w", err)
	}
	return true, nil
}

func synthesizeDockerfile(dir string, project *domain.Project) (string, error) {
	switch project.Runtime {
	case domain.RuntimeNode:
		return nodeDockerfile(dir, project), nil
	case domain.RuntimePython:
		return pythonDockerfile(dir, project), nil
	case domain.RuntimeStatic:
		return staticDockerfile(dir), nil
	default:
		return "", fmt.Errorf("no Dockerfile in repository and runtime %q cannot be synthesized", project.Runtime)
	}
}

func nodeDockerfile(dir string, project *domain.Project) string {
	var b strings.Builder
	b.WriteString("FROM node:20-alpine\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY . .\n")

	switch {
	case fileExists(dir, "pnpm-lock.yaml"):
		b.WriteString("RUN corepack enable pnpm && pnpm install --frozen-lockfile\n")
	case fileExists(dir, "yarn.lock"):
		b.WriteString("RUN corepack enable yarn && yarn install --frozen-lockfile\n")
	case fileExists(dir, "package-lock.json"):
		b.WriteString("RUN npm ci\n")
	default:
		b.WriteString("RUN npm install\n")
	}
	if project.BuildCommand != "" {
		fmt.Fprintf(&b, "RUN %s\n", project.BuildCommand)
	}
	fmt.Fprintf(&b, "EXPOSE %d\n", project.Port)
	start := project.StartCommand
	if start == "" {
		start = "npm start"
	}
	fmt.Fprintf(&b, "CMD %s\n", shellForm(start))
	return b.String()
}

func pythonDockerfile(dir string, project *domain.Project) string {
	var b strings.Builder
	b.WriteString("FROM python:3.12-slim\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY . .\n")

	switch {
	case fileExists(dir, "poetry.lock"):
		b.WriteString("RUN pip install poetry && poetry config virtualenvs.create false && poetry install --no-interaction --no-root\n")
	case fileExists(dir, "requirements.txt"):
		b.WriteString("RUN pip install --no-cache-dir -r requirements.txt\n")
	}
	if project.BuildCommand != "" {
		fmt.Fprintf(&b, "RUN %s\n", project.BuildCommand)
	}
	fmt.Fprintf(&b, "EXPOSE %d\n", project.Port)
	start := project.StartCommand
	if start == "" {
		start = "python main.py"
	}
	fmt.Fprintf(&b, "CMD %s\n", shellForm(start))
	return b.String()
}

func staticDockerfile(dir string) string {
	src := "."
	for _, candidate := range []string{"dist", "build", "public"} {
		if fileExists(dir, candidate) {
			src = candidate
			break
		}
	}
	var b strings.Builder
	b.WriteString("FROM nginx:alpine\n")
	fmt.Fprintf(&b, "COPY %s /usr/share/nginx/html\n", src)
	b.WriteString("EXPOSE 80\n")
	return b.String()
}

func fileExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func shellForm(command string) string {
	parts := strings.Fields(command)
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
