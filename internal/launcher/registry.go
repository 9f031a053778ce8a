package launcher

import (
	"context"
	"os"
	"path/filepath"

	"zerg/internal/docker"
	"zerg/internal/errz"
)

// Select resolves a launcher-mode knob to a concrete Launcher.
//
// "auto" picks container when a .devcontainer file is present in the
// repo, the configured image is non-empty, and the Docker daemon is
// reachable; otherwise it falls back to subprocess. Any other mode
// string is a configuration error -- the orchestrator does not start
// with a launcher it can't identify.
func Select(ctx context.Context, mode string, feature, repoPath, image string, dockerClient docker.IClient) (Launcher, error) {
	switch mode {
	case string(Subprocess):
		return NewSubprocessLauncher(feature), nil
	case string(Container):
		if dockerClient == nil {
			return nil, errz.New(errz.Configuration, "launcher mode \"container\" requires a reachable docker daemon")
		}
		return NewContainerLauncher(dockerClient), nil
	case string(Kubernetes):
		return nil, errz.New(errz.Configuration, "launcher mode \"kubernetes\" requires a kubeconfig; construct via NewKubernetesLauncher directly")
	case string(Auto), "":
		return selectAuto(ctx, feature, repoPath, image, dockerClient)
	default:
		return nil, errz.New(errz.Configuration, "unknown launcher mode: "+mode)
	}
}

func selectAuto(ctx context.Context, feature, repoPath, image string, dockerClient docker.IClient) (Launcher, error) {
	if hasDevcontainer(repoPath) && image != "" && dockerClient != nil {
		if err := dockerClient.CheckDaemon(ctx); err == nil {
			return NewContainerLauncher(dockerClient), nil
		}
	}
	return NewSubprocessLauncher(feature), nil
}

func hasDevcontainer(repoPath string) bool {
	candidates := []string{
		filepath.Join(repoPath, ".devcontainer", "devcontainer.json"),
		filepath.Join(repoPath, ".devcontainer.json"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return true
		}
	}
	return false
}
