package registry

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-transform/pkg/domain"
)

const echoModule = `function transform(input) return { echo = input.value } end`

func writeModule(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newRegistry(t *testing.T, opts ...Option) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	reg, err := New([]string{root}, opts...)
	require.NoError(t, err)
	return reg, root
}

func TestRegisterPinsContent(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	reg, root := newRegistry(t, WithClock(func() time.Time { return fixed }))
	path := writeModule(t, root, "echo.lua", echoModule)

	entry, err := reg.Register("echo", path, "Echo")
	require.NoError(t, err)

	assert.Equal(t, "echo", entry.ID)
	assert.Equal(t, "Echo", entry.Label)
	assert.Equal(t, Digest([]byte(echoModule)), entry.SHA256)
	assert.Equal(t, fixed, entry.RegisteredAt)
	assert.True(t, filepath.IsAbs(entry.ModulePath))

	got, ok := reg.Get("echo")
	require.True(t, ok)
	assert.Equal(t, entry, got)
	assert.True(t, reg.VerifyIntegrity("echo"))
}

func TestRegisterDefaultsLabelAndOverwrites(t *testing.T) {
	reg, root := newRegistry(t)
	first := writeModule(t, root, "a.lua", echoModule)
	second := writeModule(t, root, "b.lua", `function transform(i) return {} end`)

	entry, err := reg.Register("x", first, "")
	require.NoError(t, err)
	assert.Equal(t, "x", entry.Label)

	entry, err = reg.Register("x", second, "second")
	require.NoError(t, err)

	got, _ := reg.Get("x")
	assert.Equal(t, entry.ModulePath, got.ModulePath)
	assert.Len(t, reg.List(), 1)
}

func TestRegisterRejections(t *testing.T) {
	reg, root := newRegistry(t, WithMaxModuleBytes(64))
	outside := t.TempDir()

	outsidePath := writeModule(t, outside, "evil.lua", echoModule)
	wrongKind := writeModule(t, root, "script.py", "print('x')")
	tooLarge := writeModule(t, root, "big.lua", strings.Repeat("-", 65))
	dirKind := filepath.Join(root, "folder.lua")
	require.NoError(t, os.Mkdir(dirKind, 0o755))
	valid := writeModule(t, root, "ok.lua", echoModule)

	tests := []struct {
		name string
		id   string
		path string
		want error
	}{
		{name: "outside root", id: "a", path: outsidePath, want: domain.ErrUntrustedLocation},
		{name: "traversal", id: "b", path: filepath.Join(root, "..", filepath.Base(outside), "evil.lua"), want: domain.ErrUntrustedLocation},
		{name: "missing file", id: "c", path: filepath.Join(root, "missing.lua"), want: domain.ErrUntrustedLocation},
		{name: "root itself", id: "d", path: root, want: domain.ErrUntrustedLocation},
		{name: "wrong extension", id: "e", path: wrongKind, want: domain.ErrWrongKind},
		{name: "directory", id: "f", path: dirKind, want: domain.ErrWrongKind},
		{name: "too large", id: "g", path: tooLarge, want: domain.ErrTooLarge},
		{name: "invalid id", id: "bad id!", path: valid, want: domain.ErrInvalidID},
		{name: "reserved id", id: domain.ChainResultID, path: valid, want: domain.ErrInvalidID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Register(tt.id, tt.path, "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			var derr *domain.DomainError
			assert.True(t, errors.As(err, &derr))

			_, ok := reg.Get(tt.id)
			assert.False(t, ok)
		})
	}
	assert.Empty(t, reg.List())
}

func TestRegisterRejectsSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	reg, root := newRegistry(t)
	target := writeModule(t, t.TempDir(), "evil.lua", echoModule)
	link := filepath.Join(root, "link.lua")
	require.NoError(t, os.Symlink(target, link))

	_, err := reg.Register("link", link, "")
	assert.ErrorIs(t, err, domain.ErrUntrustedLocation)
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	reg, root := newRegistry(t)
	path := writeModule(t, root, "echo.lua", echoModule)
	_, err := reg.Register("echo", path, "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(echoModule+"\n-- changed"), 0o644))
	assert.False(t, reg.VerifyIntegrity("echo"))

	_, _, err = reg.ReadVerified("echo")
	assert.ErrorIs(t, err, domain.ErrIntegrityMismatch)

	require.NoError(t, os.WriteFile(path, []byte(echoModule), 0o644))
	assert.True(t, reg.VerifyIntegrity("echo"))

	require.NoError(t, os.Remove(path))
	assert.False(t, reg.VerifyIntegrity("echo"))
	assert.False(t, reg.VerifyIntegrity("unknown"))
}

func TestReadVerifiedReturnsPinnedBytes(t *testing.T) {
	reg, root := newRegistry(t)
	path := writeModule(t, root, "nested/echo.lua", echoModule)
	_, err := reg.Register("echo", path, "")
	require.NoError(t, err)

	entry, data, err := reg.ReadVerified("echo")
	require.NoError(t, err)
	assert.Equal(t, echoModule, string(data))
	assert.Equal(t, "echo", entry.ID)

	_, _, err = reg.ReadVerified("nope")
	assert.ErrorIs(t, err, domain.ErrTransformNotFound)
}

func TestUnregisterAndList(t *testing.T) {
	reg, root := newRegistry(t)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := reg.Register(id, writeModule(t, root, id+".lua", echoModule), "")
		require.NoError(t, err)
	}

	ids := func() []string {
		var out []string
		for _, e := range reg.List() {
			out = append(out, e.ID)
		}
		return out
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids())

	assert.True(t, reg.Unregister("mid"))
	assert.False(t, reg.Unregister("mid"))
	assert.Equal(t, []string{"alpha", "zeta"}, ids())
}

func TestNewRejectsBadRoots(t *testing.T) {
	_, err := New([]string{filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	file := writeModule(t, t.TempDir(), "file.lua", echoModule)
	_, err = New([]string{file})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestRootsAreCopied(t *testing.T) {
	reg, root := newRegistry(t)
	roots := reg.Roots()
	roots[0] = "/"

	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, []string{resolved}, reg.Roots())
}

func TestConcurrentRegisterAndVerify(t *testing.T) {
	reg, root := newRegistry(t)
	path := writeModule(t, root, "echo.lua", echoModule)
	_, err := reg.Register("echo", path, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = reg.Register("echo", path, "")
		}()
		go func() {
			defer wg.Done()
			assert.True(t, reg.VerifyIntegrity("echo"))
		}()
	}
	wg.Wait()
}

// For any module placed outside every trusted root, Register fails and the
// id is never observable through Get or List.
func TestPropertyOutsideRootsNeverRegistered(t *testing.T) {
	reg, _ := newRegistry(t)
	outside := t.TempDir()

	rapid.Check(t, func(rt *rapid.T) {
		name := rapid.StringMatching(`[a-z]{1,8}(/[a-z]{1,8}){0,2}\.lua`).Draw(rt, "name")
		id := rapid.StringMatching(`t-[a-z0-9_-]{0,15}`).Draw(rt, "id")

		path := writeModule(t, outside, name, echoModule)
		_, err := reg.Register(id, path, "")
		if !errors.Is(err, domain.ErrUntrustedLocation) {
			rt.Fatalf("expected untrusted location for %s, got %v", path, err)
		}
		if _, ok := reg.Get(id); ok {
			rt.Fatalf("id %q visible after rejected registration", id)
		}
		for _, e := range reg.List() {
			if e.ID == id {
				rt.Fatalf("id %q listed after rejected registration", id)
			}
		}
	})
}
