package resolver

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/sthetix/SwitchrootDepot/internal/build"
)

// Resolver errors.
var (
	ErrNoCompatibleGapps    = errors.New("resolver: no compatible companion package")
	ErrMissingComponentFile = errors.New("resolver: missing component file")
)

// MissingFileError names the descriptor that could not be resolved.
type MissingFileError struct {
	Descriptor FileDescriptor
	Err        error
}

func (e *MissingFileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrMissingComponentFile, e.Descriptor, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrMissingComponentFile, e.Descriptor)
}

func (e *MissingFileError) Is(target error) bool {
	return target == ErrMissingComponentFile
}

func (e *MissingFileError) Unwrap() error {
	return e.Err
}

// View is the part of the catalog the resolver reads.
type View interface {
	Family(f build.Family) []build.BuildEntry
}

// Options configures a Resolver.
type Options struct {
	Rules []ComponentRule

	// VersionMap translates a selection version into the companion version
	// space ("21.0" -> "14"). Unmapped versions are used as is.
	VersionMap map[string]string

	Logger *zap.Logger
}

// Resolver expands selections into download sets.
type Resolver struct {
	rules      []ComponentRule
	versionMap map[string]string
	logger     *zap.Logger
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Resolver{
		rules:      opts.Rules,
		versionMap: opts.VersionMap,
		logger:     opts.Logger,
	}
}

// templateData is what URL and content templates may reference.
type templateData struct {
	Version          string
	Variant          string
	Family           string
	Name             string
	CompanionVersion string
}

// Resolve returns the ordered DownloadSet for selection: the selection first,
// then for each matching rule in declaration order its companion and its
// files. Resolution is all or nothing.
func (r *Resolver) Resolve(selection build.BuildEntry, catalog View) (build.DownloadSet, error) {
	if selection.SizeBytes <= 0 || selection.DownloadURL == "" {
		return build.DownloadSet{}, &MissingFileError{
			Descriptor: FileDescriptor{Name: selection.Name, Role: build.RoleOSImage, URL: selection.DownloadURL},
			Err:        errors.New("selection has no downloadable size"),
		}
	}

	p := &plan{selection: selection, seen: map[string]bool{}}
	p.add(build.ArtifactJob{
		Name:         selection.Name,
		SourceURL:    selection.DownloadURL,
		Role:         build.RoleOSImage,
		ExpectedSize: selection.SizeBytes,
		Checksum:     selection.Checksum,
	})

	data := templateData{
		Version: selection.Version,
		Variant: selection.Variant,
		Family:  string(selection.Family),
		Name:    selection.Name,
	}

	for _, rule := range r.rules {
		if !rule.Match.Applies(selection) {
			continue
		}
		log := r.logger.With(zap.String("rule", rule.Name), zap.String("selection", selection.ID))

		if rule.Companion != nil {
			companion, err := r.matchCompanion(selection, *rule.Companion, catalog)
			if err != nil {
				return build.DownloadSet{}, err
			}
			log.Debug("matched companion", zap.String("name", companion.Name), zap.String("version", companion.Version))
			data.CompanionVersion = companion.Version
			p.add(build.ArtifactJob{
				Name:         companion.Name,
				SourceURL:    companion.DownloadURL,
				Role:         build.RoleCompanion,
				ExpectedSize: companion.SizeBytes,
				Checksum:     companion.Checksum,
			})
		}

		for _, desc := range rule.Files {
			if err := r.expand(p, desc, data, catalog); err != nil {
				return build.DownloadSet{}, err
			}
		}
	}

	for i := range p.jobs {
		p.jobs[i].ID = fmt.Sprintf("%02d-%s", i, p.jobs[i].Name)
		p.jobs[i].Family = selection.Family
		p.jobs[i].Variant = selection.Variant
	}

	return build.DownloadSet{Selection: selection, Jobs: p.jobs}, nil
}

// plan accumulates jobs, dropping repeats of the same role and name.
type plan struct {
	selection build.BuildEntry
	jobs      []build.ArtifactJob
	seen      map[string]bool
	names     map[string]bool
}

func (p *plan) add(job build.ArtifactJob) {
	key := string(job.Role) + "\x00" + job.Name
	if p.seen[key] {
		return
	}
	p.seen[key] = true
	if p.names == nil {
		p.names = map[string]bool{}
	}
	p.names[job.Name] = true
	p.jobs = append(p.jobs, job)
}

func (r *Resolver) expand(p *plan, desc FileDescriptor, data templateData, catalog View) error {
	switch {
	case desc.Content != "":
		content, err := render(desc.Name, desc.Content, data)
		if err != nil {
			return &MissingFileError{Descriptor: desc, Err: err}
		}
		p.add(build.ArtifactJob{
			Name:         desc.Name,
			Role:         desc.Role,
			SubPath:      desc.Path,
			ExpectedSize: int64(len(content)),
			Content:      content,
		})
		return nil

	case desc.Asset != "":
		return expandAssets(p, desc)

	case desc.URL != "":
		url := desc.URL
		if strings.Contains(url, "{{") {
			rendered, err := render(desc.String(), url, data)
			if err != nil {
				return &MissingFileError{Descriptor: desc, Err: err}
			}
			url = string(rendered)
		}
		job := build.ArtifactJob{
			Name:         desc.Name,
			SourceURL:    url,
			Role:         desc.Role,
			SubPath:      desc.Path,
			ExpectedSize: desc.Size,
			Checksum:     desc.Checksum,
		}
		if job.Name == "" {
			job.Name = path.Base(url)
		}
		if job.ExpectedSize == 0 {
			if size, sum, ok := lookupURL(p.selection, catalog, url); ok {
				job.ExpectedSize, job.Checksum = size, sum
			}
		}
		p.add(job)
		return nil
	}

	return &MissingFileError{Descriptor: desc, Err: errors.New("descriptor has no url, asset or content")}
}

func expandAssets(p *plan, desc FileDescriptor) error {
	if !isGlob(desc.Asset) {
		asset, ok := p.selection.Asset(desc.Asset)
		if !ok {
			if desc.Optional {
				return nil
			}
			return &MissingFileError{Descriptor: desc}
		}
		p.add(assetJob(desc, asset))
		return nil
	}

	matched := false
	for _, asset := range p.selection.Assets {
		if ok, _ := path.Match(desc.Asset, asset.Name); !ok {
			continue
		}
		if asset.Name == p.selection.Name || p.names[asset.Name] || excluded(desc.Exclude, asset.Name) {
			continue
		}
		matched = true
		p.add(assetJob(desc, asset))
	}
	if !matched && !desc.Optional {
		return &MissingFileError{Descriptor: desc}
	}
	return nil
}

func assetJob(desc FileDescriptor, asset build.Asset) build.ArtifactJob {
	name := desc.Name
	if name == "" || isGlob(desc.Asset) {
		name = asset.Name
	}
	return build.ArtifactJob{
		Name:         name,
		SourceURL:    asset.URL,
		Role:         desc.Role,
		SubPath:      desc.Path,
		ExpectedSize: asset.SizeBytes,
		Checksum:     asset.Checksum,
	}
}

func isGlob(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func excluded(patterns []string, name string) bool {
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// lookupURL finds size and checksum for a rendered URL among the selection's
// assets and the catalog.
func lookupURL(selection build.BuildEntry, catalog View, url string) (int64, string, bool) {
	for _, a := range selection.Assets {
		if a.URL == url {
			return a.SizeBytes, a.Checksum, true
		}
	}
	for _, f := range []build.Family{build.FamilyLinux, build.FamilyLineage, build.FamilyGapps} {
		for _, e := range catalog.Family(f) {
			if e.DownloadURL == url {
				return e.SizeBytes, e.Checksum, true
			}
		}
	}
	return 0, "", false
}

func render(name, text string, data templateData) ([]byte, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	// A nil Content would no longer mark the job as generated.
	if buf.Len() == 0 {
		return []byte{}, nil
	}
	return buf.Bytes(), nil
}

// CompanionVersion maps a selection version into the companion version space.
func (r *Resolver) CompanionVersion(version string) string {
	if v, ok := r.versionMap[version]; ok {
		return v
	}
	return version
}

func (r *Resolver) matchCompanion(selection build.BuildEntry, c Companion, catalog View) (build.BuildEntry, error) {
	target := r.CompanionVersion(selection.Version)

	var candidates []build.BuildEntry
	for _, e := range catalog.Family(c.Family) {
		if strings.EqualFold(e.Variant, selection.Variant) && e.SizeBytes > 0 && e.Version != "" {
			candidates = append(candidates, e)
		}
	}

	// Newest version first; ties go to the most recent publication.
	sort.SliceStable(candidates, func(i, j int) bool {
		if cmp := build.CompareVersions(candidates[i].Version, candidates[j].Version); cmp != 0 {
			return cmp > 0
		}
		return candidates[i].PublishedAt.After(candidates[j].PublishedAt)
	})

	for _, e := range candidates {
		if build.VersionsEqual(e.Version, target) && c.Policy != PolicyLatest {
			return e, nil
		}
	}

	switch c.Policy {
	case PolicyNearestLower:
		for _, e := range candidates {
			if build.CompareVersions(e.Version, target) < 0 {
				return e, nil
			}
		}
	case PolicyLatest:
		if len(candidates) > 0 {
			return candidates[0], nil
		}
	}

	return build.BuildEntry{}, fmt.Errorf("%w: %s %s version %s (%s policy, %d candidates)",
		ErrNoCompatibleGapps, selection.Variant, c.Family, target, c.Policy, len(candidates))
}
