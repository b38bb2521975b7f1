package event

import "testing"

func TestDeriveIDIsStableAndContentSensitive(t *testing.T) {
	line := []byte(`{"type":"event_msg","payload":{"type":"user_message","message":"hi"}}`)

	a := DeriveID("sess-1", line)
	b := DeriveID("sess-1", line)
	if a != b {
		t.Errorf("same inputs produced %s and %s", a, b)
	}
	if len(a) != 32 {
		t.Errorf("id length = %d, want 32", len(a))
	}

	if DeriveID("sess-2", line) == a {
		t.Error("different session produced the same id")
	}
	if DeriveID("sess-1", []byte(`{"type":"turn_context"}`)) == a {
		t.Error("different line produced the same id")
	}
}

func TestNormalizeToolName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"shell_command", ToolBash},
		{"shell", ToolBash},
		{"read_file", ToolRead},
		{"apply_patch", ToolEdit},
		{"update_plan", ToolTodoWrite},
		{"web_search", ToolWebSearch},
		{"Bash", ToolBash},
		{"some_custom_tool", "some_custom_tool"},
	}
	for _, tt := range tests {
		if got := NormalizeToolName(tt.in); got != tt.want {
			t.Errorf("NormalizeToolName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
