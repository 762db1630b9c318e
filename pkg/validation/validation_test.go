package validation

import "testing"

func TestValidateRoomID(t *testing.T) {
	valid := []string{"room-1", "standup_0900", "a", "ABC123"}
	for _, id := range valid {
		if err := ValidateRoomID(id); err != nil {
			t.Errorf("expected %q to be valid, got %v", id, err)
		}
	}

	invalid := []string{"", "room 1", "room/1", "room#1", string(make([]byte, 101))}
	for _, id := range invalid {
		if err := ValidateRoomID(id); err == nil {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestValidateUsername(t *testing.T) {
	valid := []string{"alice", "bob-2", "carol_x"}
	for _, name := range valid {
		if err := ValidateUsername(name); err != nil {
			t.Errorf("expected %q to be valid, got %v", name, err)
		}
	}

	invalid := []string{"", "   ", "alice bob", "alice@host"}
	for _, name := range invalid {
		if err := ValidateUsername(name); err == nil {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestValidateMediaFilePath(t *testing.T) {
	valid := []string{"/media/intro.mp4", "/srv/clips/promo.webm", "/tmp/a.MOV"}
	for _, path := range valid {
		if err := ValidateMediaFilePath(path); err != nil {
			t.Errorf("expected %q to be valid, got %v", path, err)
		}
	}

	invalid := []string{
		"",
		"relative/clip.mp4",
		"/media/../etc/passwd.mp4",
		"/media/notes.txt",
	}
	for _, path := range invalid {
		if err := ValidateMediaFilePath(path); err == nil {
			t.Errorf("expected %q to be invalid", path)
		}
	}
}

func TestValidateStringLength(t *testing.T) {
	if err := ValidateStringLength("abc", 1, 5, "field"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateStringLength("", 1, 5, "field"); err == nil {
		t.Error("expected error for too-short string")
	}
	if err := ValidateStringLength("abcdef", 1, 5, "field"); err == nil {
		t.Error("expected error for too-long string")
	}
}
