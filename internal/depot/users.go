package depot

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/niczy/p4bridge/internal/logging"
	"github.com/niczy/p4bridge/internal/p4"
)

// ScriptFunc runs the client-user hook in dir and returns its output.
type ScriptFunc func(ctx context.Context, dir, script string, args ...string) ([]byte, error)

func execScript(ctx context.Context, dir, script string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, script, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("clientuser script %s: %w: %s", script, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

var pyGroupRe = regexp.MustCompile(`\\(\d+)`)

type userKey struct{ user, client string }

// Users resolves server user names to author strings. A Users value lives
// for one top-level command.
type Users struct {
	session *p4.Session
	root    string
	charset *Charset
	log     logging.Logger

	mapRe   *regexp.Regexp
	mapRepl string
	script  string
	run     ScriptFunc

	cache map[userKey]string
}

// NewUsers builds a resolver. clientUser is either "<regexp> <replacement>"
// applied to the client name, or the path of a script called with the
// client and user names.
func NewUsers(s *p4.Session, root, clientUser string, cs *Charset, log logging.Logger) (*Users, error) {
	u := &Users{
		session: s,
		root:    root,
		charset: cs,
		log:     logging.OrNop(log),
		run:     execScript,
		cache:   make(map[userKey]string),
	}
	clientUser = strings.TrimSpace(clientUser)
	if pattern, repl, ok := strings.Cut(clientUser, " "); ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("clientuser pattern %q: %w", pattern, err)
		}
		u.mapRe = re
		u.mapRepl = pyGroupRe.ReplaceAllString(repl, "$${$1}")
	} else {
		u.script = clientUser
	}
	return u, nil
}

// SetScriptFunc replaces the hook runner.
func (u *Users) SetScriptFunc(fn ScriptFunc) { u.run = fn }

// Resolve returns the author for user, trying the server's user spec,
// then the client name mapping, then the hook script, and finally the
// plain user name.
func (u *Users) Resolve(ctx context.Context, user, client string) string {
	if r, ok := u.cache[userKey{user: user}]; ok {
		return r
	}
	if r, ok := u.cache[userKey{user, client}]; ok {
		return r
	}

	if r := u.lookup(ctx, user); r != "" {
		u.cache[userKey{user: user}] = r
		return r
	}
	if u.mapRe != nil && client != "" && u.mapRe.MatchString(client) {
		r := capWords(u.mapRe.ReplaceAllString(client, u.mapRepl))
		u.cache[userKey{user, client}] = r
		return r
	}
	if u.script != "" {
		if r := u.fromScript(ctx, user, client); r != "" {
			u.cache[userKey{user, client}] = r
			return r
		}
	}
	return user
}

func (u *Users) lookup(ctx context.Context, user string) string {
	rec, err := u.session.RunOne(ctx, []string{"user", "-o", user}, p4.WithoutAbort())
	if err != nil {
		u.log.Debug("user lookup failed", "user", user, "error", err)
		return ""
	}
	// a spec without Update was never saved on the server
	if !rec.Has("Update") || rec.Get("FullName") == "" || rec.Get("Email") == "" {
		return ""
	}
	r := fmt.Sprintf("%s <%s>", rec.Get("FullName"), rec.Get("Email"))
	if dec, err := u.charset.Decode(r); err == nil {
		r = dec
	}
	return r
}

func (u *Users) fromScript(ctx context.Context, user, client string) string {
	u.log.Debug("running clientuser script", "script", u.script, "client", client, "user", user)
	out, err := u.run(ctx, u.root, u.script, client, user)
	if err != nil {
		u.log.Warn("clientuser script failed", "error", err)
		return ""
	}
	last := ""
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		last = strings.TrimSpace(sc.Text())
	}
	return last
}

func capWords(s string) string {
	title := cases.Title(language.Und)
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = title.String(w)
	}
	return strings.Join(words, " ")
}
