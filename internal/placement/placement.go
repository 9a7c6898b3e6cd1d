package placement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/sthetix/SwitchrootDepot/internal/build"
)

// Placement errors.
var (
	ErrPathConflict = errors.New("placement: path conflict")
	ErrIOFailure    = errors.New("placement: io failure")
)

// Error attributes a placement failure to a destination path.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("placement: %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Policy decides what happens when the destination already exists.
type Policy string

const (
	// Overwrite replaces existing files so later runs refresh earlier ones.
	Overwrite Policy = "overwrite"
	// SkipIfIdenticalSize keeps an existing file of the expected size.
	SkipIfIdenticalSize Policy = "skip-identical-size"
)

// tmpSuffix marks a file being placed. It never appears at a final path
// once Place returns.
const tmpSuffix = ".depot-tmp"

// Artifact is a verified file in the temporary store.
type Artifact struct {
	Path string
	Size int64
	Job  build.ArtifactJob
}

// Placed describes the file at its destination.
type Placed struct {
	Path    string
	RelPath string
	Size    int64
	Skipped bool
}

// Options configures a Placer.
type Options struct {
	// Root is the destination directory.
	Root string

	// Policy applies when a destination exists.
	// Default: Overwrite
	Policy Policy

	// Copy leaves the temporary file in place instead of moving it.
	Copy bool

	Logger *zap.Logger
}

// Placer moves completed artifacts to their final paths.
type Placer struct {
	root   string
	policy Policy
	copy   bool
	logger *zap.Logger
}

// New creates a Placer.
func New(opts Options) *Placer {
	if opts.Policy == "" {
		opts.Policy = Overwrite
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Placer{
		root:   opts.Root,
		policy: opts.Policy,
		copy:   opts.Copy,
		logger: opts.Logger,
	}
}

// layout maps every role the resolver produces to a directory relative to
// the destination root. The downstream bootloader expects these exact paths.
var layout = map[build.Role]func(build.ArtifactJob) string{
	build.RoleOSImage:          familyDir,
	build.RoleCompanion:        androidDir,
	build.RoleInstallImage:     func(j build.ArtifactJob) string { return path.Join(androidDir(j), "switchroot", "install") },
	build.RoleRuntimeFile:      func(j build.ArtifactJob) string { return path.Join(androidDir(j), "switchroot", "android") },
	build.RoleBootloaderConfig: func(j build.ArtifactJob) string { return path.Join(androidDir(j), "bootloader", "ini") },
	build.RoleBundleFile:       androidDir,
}

func androidDir(j build.ArtifactJob) string {
	return "Android-" + j.Variant
}

// familyDir keeps Android archives in their variant folder; Linux archives
// go to the root.
func familyDir(j build.ArtifactJob) string {
	if j.Family == build.FamilyLineage || j.Family == build.FamilyGapps {
		return androidDir(j)
	}
	return ""
}

// Destination returns the slash-separated path of job relative to the
// destination root. It panics for a role without a layout.
func Destination(job build.ArtifactJob) (string, error) {
	dir, ok := layout[job.Role]
	if !ok {
		panic(fmt.Sprintf("placement: no layout for role %q", job.Role))
	}

	if job.Name == "" || strings.ContainsAny(job.Name, `/\`) || !filepath.IsLocal(job.Name) {
		return "", &Error{Path: job.Name, Err: fmt.Errorf("%w: invalid file name", ErrPathConflict)}
	}

	if job.Role == build.RoleBundleFile {
		sub := job.SubPath
		if sub == "" {
			sub = path.Join("switchroot", "android", job.Name)
		}
		sub = path.Clean(sub)
		if !filepath.IsLocal(filepath.FromSlash(sub)) {
			return "", &Error{Path: job.SubPath, Err: fmt.Errorf("%w: path escapes destination", ErrPathConflict)}
		}
		return path.Join(dir(job), sub), nil
	}

	return path.Join(dir(job), job.Name), nil
}

// Place relocates a to its destination: move or copy into a temporary
// sibling, verify the size, then rename over the final path.
func (p *Placer) Place(ctx context.Context, a Artifact) (Placed, error) {
	rel, err := Destination(a.Job)
	if err != nil {
		return Placed{}, err
	}
	dst := filepath.Join(p.root, filepath.FromSlash(rel))
	log := p.logger.With(zap.String("job", a.Job.ID), zap.String("path", rel))

	if err := ctx.Err(); err != nil {
		return Placed{}, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		if errors.Is(err, syscall.ENOTDIR) || errors.Is(err, os.ErrExist) {
			return Placed{}, &Error{Path: dst, Err: fmt.Errorf("%w: %v", ErrPathConflict, err)}
		}
		return Placed{}, &Error{Path: dst, Err: fmt.Errorf("%w: %v", ErrIOFailure, err)}
	}

	fi, err := os.Lstat(dst)
	switch {
	case err == nil && !fi.Mode().IsRegular():
		return Placed{}, &Error{Path: dst, Err: fmt.Errorf("%w: destination is not a regular file", ErrPathConflict)}
	case err == nil && p.policy == SkipIfIdenticalSize && fi.Size() == a.Size:
		log.Info("destination has identical size, skipping")
		if !p.copy {
			os.Remove(a.Path)
		}
		return Placed{Path: dst, RelPath: rel, Size: fi.Size(), Skipped: true}, nil
	case err != nil && !os.IsNotExist(err):
		return Placed{}, &Error{Path: dst, Err: fmt.Errorf("%w: %v", ErrIOFailure, err)}
	}

	tmp := dst + tmpSuffix
	os.Remove(tmp)

	if err := p.transfer(ctx, a.Path, tmp); err != nil {
		os.Remove(tmp)
		if ctx.Err() != nil {
			return Placed{}, ctx.Err()
		}
		return Placed{}, &Error{Path: dst, Err: fmt.Errorf("%w: %v", ErrIOFailure, err)}
	}

	tfi, err := os.Stat(tmp)
	if err != nil || (a.Size >= 0 && tfi.Size() != a.Size) {
		os.Remove(tmp)
		if err == nil {
			err = fmt.Errorf("size %d, want %d", tfi.Size(), a.Size)
		}
		return Placed{}, &Error{Path: dst, Err: fmt.Errorf("%w: verify: %v", ErrIOFailure, err)}
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return Placed{}, &Error{Path: dst, Err: fmt.Errorf("%w: %v", ErrIOFailure, err)}
	}

	log.Info("placed", zap.Int64("bytes", tfi.Size()))
	return Placed{Path: dst, RelPath: rel, Size: tfi.Size()}, nil
}

// transfer moves src to dst, falling back to a copy across devices.
func (p *Placer) transfer(ctx context.Context, src, dst string) error {
	if !p.copy {
		if err := os.Rename(src, dst); err == nil {
			return nil
		}
	}
	if err := copyFile(ctx, src, dst); err != nil {
		return err
	}
	if !p.copy {
		return os.Remove(src)
	}
	return nil
}

func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
