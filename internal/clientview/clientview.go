// Package clientview resolves p4:// locations into a client workspace and
// maps paths between the workspace and the local repository.
package clientview

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/p4"
)

// Scheme is the prefix of every remote location.
const Scheme = "p4://"

// DefaultPort is used when the location names a host without a port.
const DefaultPort = 1666

// Location is a parsed p4://server[:port]/client[/sub/path] string.
type Location struct {
	Server string
	Client string
	// SubPath restricts the view to part of the client. It is empty or ends
	// in "/".
	SubPath string
}

// String renders the location back into its p4:// form.
func (l Location) String() string {
	return Scheme + l.Server + "/" + l.Client + "/" + l.SubPath
}

// IsRemote reports whether path uses the p4 scheme at all.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, "p4:")
}

// Parse splits a p4:// location. Paths outside the scheme fail with
// ClientNotFound; malformed p4 paths fail with ClientInvalid.
func Parse(loc string) (Location, error) {
	if !IsRemote(loc) {
		return Location{}, errs.Ef(errs.ClientNotFound, "%s not a p4 repository", loc)
	}
	if !strings.HasPrefix(loc, Scheme) {
		return Location{}, errs.Ef(errs.ClientInvalid, "%s not a p4 repository", loc)
	}

	rest := loc[len(Scheme):]
	server, client, _ := strings.Cut(rest, "/")
	if server == "" {
		return Location{}, errs.Ef(errs.ClientInvalid, "%s names no server", loc)
	}
	if !strings.Contains(server, ":") {
		server = server + ":" + strconv.Itoa(DefaultPort)
	}

	client, sub, _ := strings.Cut(client, "/")
	if client == "" {
		return Location{}, errs.Ef(errs.ClientInvalid, "%s names no client", loc)
	}

	var parts []string
	for _, p := range strings.Split(sub, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	subPath := strings.Join(parts, "/")
	if subPath != "" {
		subPath += "/"
	}
	return Location{Server: server, Client: client, SubPath: subPath}, nil
}

// Options is the case policy of a view.
type Options struct {
	// LowercasePaths folds directory names to lower case when mapping
	// workspace paths into the repository.
	LowercasePaths bool
	// IgnoreCase treats paths differing only in case as the same file.
	IgnoreCase bool
}

// View is an opened client workspace.
type View struct {
	Location
	// Root is the client root without a trailing separator.
	Root string
	// RootPart is Root joined with SubPath, always ending in "/".
	RootPart string
	// Spec is the client form as returned by the server.
	Spec p4.Record

	opts    Options
	session *p4.Session
}

// Open parses loc, fetches its client spec and checks the workspace root.
// sopts supplies the transport and logger; its Server and Client are set
// from the location.
func Open(ctx context.Context, loc string, sopts p4.Options, opts Options) (*View, error) {
	l, err := Parse(loc)
	if err != nil {
		return nil, err
	}
	sopts.Server = l.Server
	sopts.Client = ""
	sopts.Root = ""
	s := p4.NewSession(sopts)

	spec, err := s.RunOne(ctx, []string{"client", "-o", l.Client}, p4.WithoutAbort())
	if err != nil {
		return nil, errs.Wrap(errs.ClientInvalid, err, loc+" is not a valid p4 client")
	}
	if spec.Code() == p4.CodeError {
		return nil, errs.Ef(errs.ClientInvalid, "%s is not a valid p4 client: %s", loc, spec.Data())
	}

	root := ""
	for _, key := range rootKeys() {
		dir := spec.Get(key)
		if dir != "" && isDir(dir) {
			root = filepath.ToSlash(dir)
			break
		}
	}
	if root == "" {
		return nil, errs.E(errs.ClientInvalid, "the p4 client root must exist")
	}

	v := &View{Location: l, Spec: spec, opts: opts}
	part := root
	if l.SubPath != "" {
		sub := l.SubPath
		if opts.LowercasePaths {
			sub = NormCase(sub)
		}
		part = path.Join(root, sub)
	}
	if !strings.HasSuffix(part, "/") {
		part += "/"
	}
	v.RootPart = part
	v.Root = strings.TrimSuffix(root, "/")
	v.session = s.Bind(l.Client, v.Root)
	return v, nil
}

func rootKeys() []string {
	keys := []string{"Root"}
	for i := 0; i < 9; i++ {
		keys = append(keys, "AltRoots"+strconv.Itoa(i))
	}
	return keys
}

func isDir(dir string) bool {
	fi, err := os.Stat(dir)
	return err == nil && fi.IsDir()
}

// Session returns the session bound to this client and root.
func (v *View) Session() *p4.Session { return v.session }

// Options returns the case policy.
func (v *View) Options() Options { return v.opts }

// Scope returns the file pattern covering the view, followed by rev, e.g.
// "sub/...@12,#head".
func (v *View) Scope(rev string) string {
	return v.SubPath + "..." + rev
}

// ToRelative converts a client workspace path to a repository path.
func (v *View) ToRelative(clientPath string) (string, error) {
	p := filepath.ToSlash(clientPath)
	if v.opts.LowercasePaths && strings.HasPrefix(p, v.Root+"/") {
		tail := p[len(v.Root)+1:]
		if dir, file := path.Split(tail); dir != "" {
			tail = NormCase(dir) + "/" + file
		}
		p = v.Root + "/" + tail
	}
	if !strings.HasPrefix(p, v.RootPart) {
		return "", errs.Ef(errs.ClientInvalid, "invalid p4 local path %s", p)
	}
	return p[len(v.RootPart):], nil
}

// ToWorkspacePath converts a repository path to a path in the workspace.
func (v *View) ToWorkspacePath(rel string) string {
	return filepath.FromSlash(v.RootPart + rel)
}

// DepotArg returns the escaped workspace path of rel, suitable as a file
// argument.
func (v *View) DepotArg(rel string) string {
	return EncodeName(v.ToWorkspacePath(rel))
}

// EncodeName escapes the characters p4 treats as revision syntax.
func EncodeName(name string) string {
	r := strings.NewReplacer("%", "%25", "@", "%40", "#", "%23", "*", "%2A")
	return r.Replace(name)
}

// NormCase cleans a path and folds it to lower case.
func NormCase(name string) string {
	return strings.ToLower(path.Clean(filepath.ToSlash(name)))
}
