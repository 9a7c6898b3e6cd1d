package build

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Role tags a resolved artifact with the destination subtree it belongs to.
type Role string

const (
	// RoleOSImage is the primary build archive (LineageOS zip, Linux archive).
	RoleOSImage Role = "os-image"
	// RoleCompanion is the companion package matched to the build (GApps).
	RoleCompanion Role = "companion"
	// RoleInstallImage holds images flashed by the installer (boot.img,
	// recovery.img, nx-plat.dtimg).
	RoleInstallImage Role = "install-image"
	// RoleRuntimeFile holds files read at boot (bl31.bin, bl33.bin, boot.scr).
	RoleRuntimeFile Role = "runtime-file"
	// RoleBootloaderConfig is the bootloader ini directory.
	RoleBootloaderConfig Role = "bootloader-config"
	// RoleBundleFile places a file at an explicit path inside the bundle.
	RoleBundleFile Role = "bundle-file"
)

// Roles lists every role the resolver may produce.
var Roles = []Role{
	RoleOSImage,
	RoleCompanion,
	RoleInstallImage,
	RoleRuntimeFile,
	RoleBootloaderConfig,
	RoleBundleFile,
}

// ParseRole validates a role name from configuration.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("build: unknown role %q", s)
}

// UnmarshalText validates roles read from component files.
func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ArtifactJob is one file the pipeline must acquire and place.
type ArtifactJob struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SourceURL    string `json:"source_url,omitempty"`
	Role         Role   `json:"role"`
	Family       Family `json:"family"`
	Variant      string `json:"variant"`
	SubPath      string `json:"sub_path,omitempty"`
	ExpectedSize int64  `json:"expected_size"`
	Checksum     string `json:"checksum,omitempty"`
	ETag         string `json:"etag,omitempty"`

	// Content is set for generated files; the engine writes it instead of
	// fetching SourceURL.
	Content []byte `json:"-"`
}

// Inline reports whether the job is materialized from Content.
func (j ArtifactJob) Inline() bool {
	return j.Content != nil
}

// TempKey names the job's files in the temporary store. It is derived from
// the source so a later run for the same URL finds resumable state.
func (j ArtifactJob) TempKey() string {
	src := j.SourceURL
	if j.Inline() {
		src = "inline:" + j.ID
	}
	sum := sha256.Sum256([]byte(src))
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(j.Name)
	return hex.EncodeToString(sum[:8]) + "-" + name
}

// DownloadSet is the resolved, ordered plan for one selection. The primary
// build is always first.
type DownloadSet struct {
	Selection BuildEntry    `json:"selection"`
	Jobs      []ArtifactJob `json:"jobs"`
}

// TotalBytes sums the expected sizes of all jobs.
func (s DownloadSet) TotalBytes() int64 {
	var n int64
	for _, j := range s.Jobs {
		n += j.ExpectedSize
	}
	return n
}

// Names returns the job file names in order.
func (s DownloadSet) Names() []string {
	names := make([]string, len(s.Jobs))
	for i, j := range s.Jobs {
		names[i] = j.Name
	}
	return names
}
