package serverrole

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestService(t *testing.T, files map[string]string) *FileService {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	svc, err := NewFileService(root)
	if err != nil {
		t.Fatalf("NewFileService: %v", err)
	}
	return svc
}

func TestReadLastLineBoundaries(t *testing.T) {
	svc := newTestService(t, map[string]string{
		"empty.txt":      "",
		"trailing.txt":   "\n",
		"noNewline.txt":  "abc",
		"twoLines.txt":   "a\nb\n",
	})

	cases := map[string]string{
		"empty.txt":     "",
		"trailing.txt":  "",
		"noNewline.txt": "abc",
		"twoLines.txt":  "b",
	}

	for name, want := range cases {
		got, err := svc.ReadLastLine(name)
		if err != nil {
			t.Errorf("ReadLastLine(%q): %v", name, err)
			continue
		}
		if got != want {
			t.Errorf("ReadLastLine(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestPathTraversalRejected(t *testing.T) {
	svc := newTestService(t, map[string]string{"a.txt": "x"})
	if _, err := svc.ReadLastLine("../etc/passwd"); err == nil {
		t.Fatal("expected error for path traversal")
	}
	if _, err := svc.ReadLastLine(".hidden"); err == nil {
		t.Fatal("expected error for hidden file name")
	}
	if err := svc.AppendLine("../escape.txt", "x"); err == nil {
		t.Fatal("expected error for traversal on append")
	}
}

func TestGetFilesOmitsHidden(t *testing.T) {
	svc := newTestService(t, map[string]string{
		"a.txt":   "1",
		"b.txt":   "2",
		".hidden": "3",
	})
	files, err := svc.GetFiles()
	if err != nil {
		t.Fatalf("GetFiles: %v", err)
	}
	if len(files) != 2 || files[0] != "a.txt" || files[1] != "b.txt" {
		t.Errorf("GetFiles = %v, want [a.txt b.txt]", files)
	}
}

func TestAppendLine(t *testing.T) {
	svc := newTestService(t, map[string]string{"log.txt": "first\n"})
	if err := svc.AppendLine("log.txt", "second"); err != nil {
		t.Fatalf("AppendLine: %v", err)
	}
	last, err := svc.ReadLastLine("log.txt")
	if err != nil {
		t.Fatalf("ReadLastLine: %v", err)
	}
	if last != "second" {
		t.Errorf("ReadLastLine after append = %q, want %q", last, "second")
	}
}
