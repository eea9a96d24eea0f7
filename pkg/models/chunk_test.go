package models

import "testing"

func TestChunkCode(t *testing.T) {
	cases := []struct {
		taskID string
		index  int
		want   string
	}{
		{"task_1_abcd", 0, "task_1_abcd_chunk01"},
		{"task_1_abcd", 9, "task_1_abcd_chunk10"},
		{"task_2_efgh", 99, "task_2_efgh_chunk100"},
	}

	for _, c := range cases {
		if got := ChunkCode(c.taskID, c.index); got != c.want {
			t.Errorf("ChunkCode(%q, %d) = %q, want %q", c.taskID, c.index, got, c.want)
		}
	}
}
