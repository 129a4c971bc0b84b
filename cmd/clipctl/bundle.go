package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/luminolmc/goclip/internal/bundle"
	"github.com/luminolmc/goclip/internal/patch"
)

type bundleOptions struct {
	out        string
	base       string
	url        string
	name       string
	baseMember string
	contexts   []string
	patches    []string
	versions   []string
	libraries  []string
	mirrors    []string
	embed      bool
	entry      string
	member     string
	keyring    string
}

func newBundleCmd() *cobra.Command {
	var o bundleOptions
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Write a bundle that rebuilds outputs from a public base",
		Long: `Write a bundle directory for goclip. Each --patch output is diffed
against the base (or --base-member of a zip base) and recorded with its
expected digest. Point goclip at the result with GOCLIP_BUNDLE_DIR, or copy
its META-INF directory into cmd/goclip before building.`,
		Example: `  clipctl bundle --out build/bundle --base server.jar \
    --url https://example.com/server.jar \
    --patch versions/server.jar=build/server.jar \
    --library lib/netty.jar=build/libs/netty.jar --embed \
    --entry versions/server.jar`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return buildBundle(o, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.out, "out", "", "bundle directory to write")
	f.StringVar(&o.base, "base", "", "local copy of the base artifact")
	f.StringVar(&o.url, "url", "", "URL goclip downloads the base from")
	f.StringVar(&o.name, "name", "", "base file name (default: base of --base)")
	f.StringVar(&o.baseMember, "base-member", "", "zip member of the base that patches apply to")
	f.StringArrayVar(&o.contexts, "context", nil, "alternate download context as name=url (repeatable)")
	f.StringArrayVar(&o.patches, "patch", nil, "patched output as location/path=file (repeatable)")
	f.StringArrayVar(&o.versions, "version", nil, "unpatched version file as path=file (repeatable)")
	f.StringArrayVar(&o.libraries, "library", nil, "library as path=file (repeatable)")
	f.StringArrayVar(&o.mirrors, "mirror", nil, "built-in mirror base URL for files that are not embedded (repeatable)")
	f.BoolVar(&o.embed, "embed", false, "embed version and library files instead of relying on mirrors")
	f.StringVar(&o.entry, "entry", "", "entry point as location/path")
	f.StringVar(&o.member, "entry-member", "", "archive member of the entry point to launch")
	f.StringVar(&o.keyring, "keyring", "", "armored OpenPGP public keys for base signatures")
	for _, name := range []string{"out", "base", "url"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func splitAssign(flag, v string) (string, string, error) {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" || val == "" {
		return "", "", fmt.Errorf("--%s %q: expected key=value", flag, v)
	}
	return k, val, nil
}

func buildBundle(o bundleOptions, out io.Writer) error {
	base, err := os.ReadFile(o.base)
	if err != nil {
		return fmt.Errorf("read base: %w", err)
	}
	name := o.name
	if name == "" {
		name = filepath.Base(o.base)
	}
	baseDigest := digest.FromBytes(base)

	w, err := bundle.NewWriter(o.out)
	if err != nil {
		return err
	}
	if err := w.SetContext(bundle.DownloadContext{Digest: baseDigest, URL: o.url, FileName: name}); err != nil {
		return err
	}
	for _, c := range o.contexts {
		ctxName, url, err := splitAssign("context", c)
		if err != nil {
			return err
		}
		if err := w.SetContext(bundle.DownloadContext{Name: ctxName, Digest: baseDigest, URL: url, FileName: name}); err != nil {
			return err
		}
	}

	patchBase, basePath := base, name
	if o.baseMember != "" {
		if patchBase, err = bundle.BaseMember(base, o.baseMember); err != nil {
			return err
		}
		basePath = o.baseMember
	}

	for _, p := range o.patches {
		target, file, err := splitAssign("patch", p)
		if err != nil {
			return err
		}
		location, rel, ok := strings.Cut(target, "/")
		if !ok || (location != bundle.LocationVersions && location != bundle.LocationLibraries) {
			return fmt.Errorf("--patch %q: target must start with %s/ or %s/", p, bundle.LocationVersions, bundle.LocationLibraries)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}

		payload, err := patch.Diff(patchBase, data)
		if err != nil {
			return fmt.Errorf("diff %s: %w", target, err)
		}
		spec := patch.Spec{
			Location:       location,
			BaseDigest:     digest.FromBytes(patchBase),
			PatchDigest:    digest.FromBytes(payload),
			ExpectedDigest: digest.FromBytes(data),
			BasePath:       basePath,
			PatchPath:      rel + ".patch",
			OutputPath:     rel,
		}
		if err := w.AddPatch(spec, payload); err != nil {
			return err
		}
		if err := w.AddFile(bundle.FileEntry{Location: location, Digest: spec.ExpectedDigest, ID: path.Base(rel), Path: rel}, nil); err != nil {
			return err
		}
		fmt.Fprintf(out, "patch   %s (%d bytes)\n", target, len(payload))
	}

	files := []struct {
		flag     string
		location string
		values   []string
	}{
		{"version", bundle.LocationVersions, o.versions},
		{"library", bundle.LocationLibraries, o.libraries},
	}
	for _, group := range files {
		for _, v := range group.values {
			rel, file, err := splitAssign(group.flag, v)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var embedded []byte
			if o.embed {
				embedded = data
			}
			e := bundle.FileEntry{Location: group.location, Digest: digest.FromBytes(data), ID: path.Base(rel), Path: rel}
			if err := w.AddFile(e, embedded); err != nil {
				return err
			}
			fmt.Fprintf(out, "%-7s %s/%s\n", group.flag, group.location, rel)
		}
	}

	for _, m := range o.mirrors {
		if err := w.AddMirror(m); err != nil {
			return fmt.Errorf("--mirror %q: %w", m, err)
		}
	}

	if o.entry != "" {
		ep, err := bundle.ParseEntryPoint(o.entry)
		if err != nil {
			return err
		}
		ep.Member = o.member
		if err := w.SetEntryPoint(*ep); err != nil {
			return err
		}
	}
	if o.keyring != "" {
		keys, err := os.ReadFile(o.keyring)
		if err != nil {
			return err
		}
		if err := w.SetKeyring(keys); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	// Load it back so a bad bundle fails here rather than at launch.
	b, err := bundle.Load(os.DirFS(o.out))
	if err != nil {
		return fmt.Errorf("verify bundle: %w", err)
	}
	fmt.Fprintf(out, "wrote %s: %d patches, %d versions, %d libraries\n", o.out, len(b.Patches), len(b.Versions), len(b.Libraries))
	return nil
}
