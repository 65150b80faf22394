package audit

import (
	"regexp"
	"testing"
)

func TestComputeHash_KnownValue(t *testing.T) {
	// sha256 of {"user_id":"u1","action":"CREATE_INCIDENT","details":"00:11","previous_hash":"0"}
	const want = "8ca0025d9d4152082b2b9d8bd1647432e738d5ddf8b1a65a053ab99ba3cf2861"
	if got := ComputeHash("u1", "CREATE_INCIDENT", "00:11", GenesisHash); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestComputeHash_Format(t *testing.T) {
	h := ComputeHash("u1", "UPDATE_INCIDENT", "aa:bb", GenesisHash)
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(h) {
		t.Errorf("hash should be 64 lowercase hex chars, got %q", h)
	}
	if h != ComputeHash("u1", "UPDATE_INCIDENT", "aa:bb", GenesisHash) {
		t.Error("same input should produce the same hash")
	}
}

func TestComputeHash_SensitiveToAllFields(t *testing.T) {
	base := Entry{UserID: "u1", Action: ActionCreateIncident, Details: "aa:bb", PreviousHash: GenesisHash}
	baseHash := hashOf(&base)

	tests := []struct {
		name   string
		modify func(e *Entry)
	}{
		{"user_id", func(e *Entry) { e.UserID = "u2" }},
		{"action", func(e *Entry) { e.Action = ActionUpdateIncident }},
		{"details", func(e *Entry) { e.Details = "aa:bc" }},
		{"previous_hash", func(e *Entry) { e.PreviousHash = "1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base
			tt.modify(&modified)
			if hashOf(&modified) == baseHash {
				t.Errorf("changing %s should produce a different hash", tt.name)
			}
		})
	}
}

func TestComputeHash_FieldBoundaries(t *testing.T) {
	// Shifting text between adjacent fields must not collide.
	a := ComputeHash("ab", "c", "d", GenesisHash)
	b := ComputeHash("a", "bc", "d", GenesisHash)
	if a == b {
		t.Error("field boundaries must be part of the canonical form")
	}
}

func TestComputeHash_IgnoresIDAndTime(t *testing.T) {
	e1 := Entry{ID: 1, UserID: "u1", Action: ActionChangeRole, Details: "aa:bb", PreviousHash: GenesisHash}
	e2 := e1
	e2.ID = 42
	e2.CreatedAt = e2.CreatedAt.AddDate(1, 0, 0)
	if hashOf(&e1) != hashOf(&e2) {
		t.Error("id and created_at are not part of the digest")
	}
}

// buildChain links n entries starting from the genesis sentinel.
func buildChain(n int) []Entry {
	entries := make([]Entry, n)
	prev := GenesisHash
	for i := range entries {
		e := Entry{
			ID:           int64(i + 1),
			UserID:       "u1",
			Action:       ActionUpdateIncident,
			Details:      "00:" + string(rune('a'+i)),
			PreviousHash: prev,
		}
		e.CurrentHash = hashOf(&e)
		entries[i] = e
		prev = e.CurrentHash
	}
	return entries
}

func TestVerifyEntries_Valid(t *testing.T) {
	for _, n := range []int{0, 1, 2, 10} {
		res := VerifyEntries(buildChain(n))
		if !res.Valid || res.EntriesChecked != n || res.BrokenAt != -1 {
			t.Errorf("n=%d: expected valid chain, got %+v", n, res)
		}
		if res.Err() != nil {
			t.Errorf("n=%d: valid chain should have nil Err", n)
		}
	}
}

func TestVerifyEntries_Tampering(t *testing.T) {
	tests := []struct {
		name     string
		tamper   func(entries []Entry)
		brokenAt int
	}{
		{"details", func(es []Entry) { es[3].Details = "ff:ff" }, 3},
		{"user", func(es []Entry) { es[3].UserID = "mallory" }, 3},
		{"action", func(es []Entry) { es[0].Action = ActionExportLog }, 0},
		{"previous hash", func(es []Entry) { es[3].PreviousHash = "deadbeef" }, 3},
		{"stored hash", func(es []Entry) { es[5].CurrentHash = "deadbeef" }, 5},
		{"first entry not genesis", func(es []Entry) {
			es[0].PreviousHash = "1"
			es[0].CurrentHash = hashOf(&es[0])
		}, 0},
		{"details rewritten with hash", func(es []Entry) {
			es[3].Details = "ff:ff"
			es[3].CurrentHash = hashOf(&es[3])
		}, 4},
		{"removed entry", func(es []Entry) {
			copy(es[2:], es[3:])
		}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := buildChain(6)
			tt.tamper(entries)
			res := VerifyEntries(entries)
			if res.Valid {
				t.Fatal("tampered chain should not verify")
			}
			if res.BrokenAt != tt.brokenAt {
				t.Errorf("expected break at %d, got %d (%s)", tt.brokenAt, res.BrokenAt, res.Reason)
			}
			if res.EntriesChecked != tt.brokenAt+1 {
				t.Errorf("expected %d entries checked, got %d", tt.brokenAt+1, res.EntriesChecked)
			}
			if res.Err() == nil {
				t.Error("broken chain should have an error")
			}
		})
	}
}

func TestVerifyEntries_GenesisAndSecondLink(t *testing.T) {
	entries := buildChain(2)
	if entries[0].PreviousHash != GenesisHash {
		t.Errorf("first entry should link to %q, got %q", GenesisHash, entries[0].PreviousHash)
	}
	if entries[1].PreviousHash != entries[0].CurrentHash {
		t.Error("second entry should link to the first entry's hash")
	}
	if !verifyEntry(&entries[0]) || !verifyEntry(&entries[1]) {
		t.Error("both entries should verify on their own")
	}
}
