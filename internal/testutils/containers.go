//go:build integration

package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// MirrorEnv is a real HTTP mirror running in a container.
type MirrorEnv struct {
	Container testcontainers.Container
	BaseURL   string
}

// Close terminates the mirror container.
func (e *MirrorEnv) Close(ctx context.Context) error {
	if e.Container != nil {
		return e.Container.Terminate(ctx)
	}
	return nil
}

// FileURL returns the URL of a served file.
func (e *MirrorEnv) FileURL(name string) string {
	return e.BaseURL + "/" + name
}

// StartMirrorContainer starts nginx serving files. nginx answers HEAD and
// range requests the way the real download mirrors do.
func StartMirrorContainer(t *testing.T, ctx context.Context, files []TestFile) *MirrorEnv {
	t.Helper()

	dir := t.TempDir()
	var mounts []testcontainers.ContainerFile
	for _, f := range files {
		host := filepath.Join(dir, f.Name)
		if err := os.WriteFile(host, f.Data, 0o644); err != nil {
			t.Fatalf("write %s: %v", f.Name, err)
		}
		mounts = append(mounts, testcontainers.ContainerFile{
			HostFilePath:      host,
			ContainerFilePath: "/usr/share/nginx/html/" + f.Name,
			FileMode:          0o644,
		})
	}

	req := testcontainers.ContainerRequest{
		Image:        "nginx:alpine",
		ExposedPorts: []string{"80/tcp"},
		Files:        mounts,
		WaitingFor:   wait.ForHTTP("/").WithPort("80/tcp"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mirror container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "80")
	if err != nil {
		t.Fatalf("get container port: %v", err)
	}

	return &MirrorEnv{
		Container: container,
		BaseURL:   fmt.Sprintf("http://%s:%s", host, port.Port()),
	}
}
