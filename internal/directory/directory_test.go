package directory

import (
	"os"
	"path/filepath"
	"testing"
)

func testUsers() []User {
	return []User{
		{Username: "alice", Password: &Password{Type: "plaintext", Value: "wonderland"}},
		{Username: "bob", Password: &Password{Type: "plaintext", Value: "builder"}},
		{Username: "carol", Password: &Password{Type: "bcrypt", Value: "$2a$10$abc"}},
		{Username: "dave"},
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	d := New(testUsers(), nil)

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{"matching plaintext", "alice", "wonderland", true},
		{"wrong password", "alice", "Wonderland", false},
		{"unknown user", "mallory", "wonderland", false},
		{"non-plaintext type", "carol", "$2a$10$abc", false},
		{"missing password", "dave", "", false},
		{"empty password against stored", "bob", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			u, ok := d.Lookup(tt.username, tt.password)
			if ok != tt.want {
				t.Fatalf("Lookup(%q): got %v, want %v", tt.username, ok, tt.want)
			}
			if ok && u.Username != tt.username {
				t.Errorf("Username: got %q, want %q", u.Username, tt.username)
			}
		})
	}
}

func TestLookup_DuplicateUsernamesScanAll(t *testing.T) {
	t.Parallel()

	d := New([]User{
		{Username: "eve", Password: &Password{Type: "plaintext", Value: "one"}},
		{Username: "eve", Password: &Password{Type: "plaintext", Value: "two"}},
	}, nil)

	if _, ok := d.Lookup("eve", "two"); !ok {
		t.Error("expected second record to match")
	}
}

func TestExists(t *testing.T) {
	t.Parallel()

	d := New(testUsers(), nil)
	if !d.Exists("alice") {
		t.Error("alice should exist")
	}
	if !d.Exists("dave") {
		t.Error("dave should exist even without a password")
	}
	if d.Exists("Alice") {
		t.Error("lookup must be case-sensitive")
	}
}

func TestIsBanned(t *testing.T) {
	t.Parallel()

	d := New(nil, []string{"spam@evil.com", "Bad@Example.com"})

	tests := []struct {
		addr string
		want bool
	}{
		{"spam@evil.com", true},
		{"SPAM@evil.com", false},
		{"Bad@Example.com", true},
		{"bad@example.com", false},
		{"good@example.com", false},
	}
	for _, tt := range tests {
		if got := d.IsBanned(tt.addr); got != tt.want {
			t.Errorf("IsBanned(%q): got %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestNew_CopiesInput(t *testing.T) {
	t.Parallel()

	users := testUsers()
	d := New(users, nil)
	users[0].Password = &Password{Type: "plaintext", Value: "changed"}

	if _, ok := d.Lookup("alice", "wonderland"); !ok {
		t.Error("snapshot must not observe caller mutation")
	}
}

func TestHolder_Swap(t *testing.T) {
	t.Parallel()

	first := New(testUsers(), nil)
	h := NewHolder(first)
	if h.Load() != first {
		t.Fatal("Load should return the initial snapshot")
	}

	second := New(nil, []string{"x@y.z"})
	prev := h.Swap(second)
	if prev != first {
		t.Error("Swap should return the previous snapshot")
	}
	if !h.Load().IsBanned("x@y.z") {
		t.Error("Load should return the new snapshot")
	}
}

func TestLoad_JSONFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	usersPath := filepath.Join(dir, "users.json")
	bansPath := filepath.Join(dir, "banned.json")

	usersJSON := `[
  {"username": "alice", "password": {"type": "plaintext", "value": "pw"}, "displayName": "Alice A."},
  {"username": "bob", "password": {"type": "plaintext", "value": "pw2"}}
]`
	if err := os.WriteFile(usersPath, []byte(usersJSON), 0o600); err != nil {
		t.Fatalf("failed to write users: %v", err)
	}
	if err := os.WriteFile(bansPath, []byte(`["spam@evil.com"]`), 0o600); err != nil {
		t.Fatalf("failed to write bans: %v", err)
	}

	d, err := Load(usersPath, bansPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u, ok := d.Lookup("alice", "pw")
	if !ok {
		t.Fatal("expected alice to authenticate")
	}
	if got := u.Profile["displayName"]; got != "Alice A." {
		t.Errorf("Profile[displayName]: got %v, want %q", got, "Alice A.")
	}
	if !d.IsBanned("spam@evil.com") {
		t.Error("expected spam@evil.com to be banned")
	}
	nu, nb := d.Len()
	if nu != 2 || nb != 1 {
		t.Errorf("Len(): got (%d, %d), want (2, 1)", nu, nb)
	}
}

func TestLoad_YAMLUsersNoBans(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	usersPath := filepath.Join(dir, "users.yaml")
	content := `- username: alice
  password:
    type: plaintext
    value: pw
`
	if err := os.WriteFile(usersPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write users: %v", err)
	}

	d, err := Load(usersPath, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Exists("alice") {
		t.Error("expected alice to exist")
	}
	if _, nb := d.Len(); nb != 0 {
		t.Errorf("banned count: got %d, want 0", nb)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.json"), ""); err == nil {
		t.Error("expected error for missing users file")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"not": "a list"}`), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := Load(bad, ""); err == nil {
		t.Error("expected error for malformed users file")
	}
	if _, err := LoadBans(bad); err == nil {
		t.Error("expected error for malformed ban file")
	}
}
