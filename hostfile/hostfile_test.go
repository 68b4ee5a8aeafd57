package hostfile

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeHostfile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "hostfile")
	if err := os.WriteFile(p, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParse(t *testing.T) {
	p := writeHostfile(t, `# cluster A
worker0 slots=8 type=A100

worker1 slots=8 type=A100
worker2 slots=4
`)
	hosts, err := Parse(p)
	if err != nil {
		t.Fatal(err)
	}
	expected := Hosts{
		{Name: "worker0", Slots: 8, Type: "A100"},
		{Name: "worker1", Slots: 8, Type: "A100"},
		{Name: "worker2", Slots: 4},
	}
	if !reflect.DeepEqual(hosts, expected) {
		t.Fatalf("expected %+v, got %+v", expected, hosts)
	}
	if hosts.TotalSlots() != 20 {
		t.Fatalf("expected 20 total slots, got %d", hosts.TotalSlots())
	}
	if !reflect.DeepEqual(hosts.Names(), []string{"worker0", "worker1", "worker2"}) {
		t.Fatalf("unexpected names %v", hosts.Names())
	}
}

func TestParseMissingFile(t *testing.T) {
	hosts, err := Parse(filepath.Join(t.TempDir(), "no-such-hostfile"))
	if err != nil {
		t.Fatal(err)
	}
	if hosts != nil {
		t.Fatalf("expected nil hosts for missing file, got %+v", hosts)
	}
	hosts, err = Parse("")
	if err != nil || hosts != nil {
		t.Fatalf("expected nil, nil for empty path, got %+v, %v", hosts, err)
	}
}

func TestParseInvalidEntry(t *testing.T) {
	p := writeHostfile(t, "worker0 cpus=8\n")
	if _, err := Parse(p); err == nil {
		t.Fatal("expected error for invalid entry")
	}
}

func TestParseDuplicateHost(t *testing.T) {
	p := writeHostfile(t, "worker0 slots=8\nworker0 slots=4\n")
	if _, err := Parse(p); err == nil {
		t.Fatal("expected error for duplicate host")
	}
}

func TestParseEmpty(t *testing.T) {
	p := writeHostfile(t, "# only comments\n\n")
	if _, err := Parse(p); err == nil {
		t.Fatal("expected error for empty hostfile")
	}
}
