package ledger

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/socialdriver/api/schemas"
)

func outcome(t schemas.ActionType, target string, v schemas.Verdict) schemas.ActionOutcome {
	return schemas.ActionOutcome{
		Request:     schemas.ActionRequest{Type: t, Target: target},
		Verdict:     v,
		AttemptedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestRecordAndLookup(t *testing.T) {
	l := New()
	assert.False(t, l.HasConfirmed(schemas.ActionFollow, "alice"))
	_, ok := l.Lookup(schemas.ActionFollow, "alice")
	assert.False(t, ok)

	l.Record(outcome(schemas.ActionFollow, "alice", schemas.VerdictUnconfirmed))
	assert.False(t, l.HasConfirmed(schemas.ActionFollow, "alice"))

	l.Record(outcome(schemas.ActionFollow, "@Alice", schemas.VerdictConfirmed))
	assert.True(t, l.HasConfirmed(schemas.ActionFollow, "alice"), "targets are normalized")
	assert.False(t, l.HasConfirmed(schemas.ActionLike, "alice"), "keys include the action type")

	latest, ok := l.Lookup(schemas.ActionFollow, "ALICE")
	require.True(t, ok)
	assert.Equal(t, schemas.VerdictConfirmed, latest.Verdict)

	// Append-only: the earlier attempt is preserved.
	history := l.History(schemas.ActionFollow, "alice")
	require.Len(t, history, 2)
	assert.Equal(t, schemas.VerdictUnconfirmed, history[0].Verdict)
	assert.Equal(t, 2, l.Len())
}

func TestConfirmedIsSticky(t *testing.T) {
	l := New()
	l.Record(outcome(schemas.ActionLike, "1790", schemas.VerdictConfirmed))
	l.Record(outcome(schemas.ActionLike, "1790", schemas.VerdictFailed))
	assert.True(t, l.HasConfirmed(schemas.ActionLike, "1790"))
}

func TestAllPreservesOrderAndIsACopy(t *testing.T) {
	l := New()
	want := []schemas.ActionOutcome{
		outcome(schemas.ActionFollow, "a", schemas.VerdictConfirmed),
		outcome(schemas.ActionLike, "1", schemas.VerdictFailed),
		outcome(schemas.ActionFollow, "b", schemas.VerdictUnconfirmed),
	}
	l.Seed(want)

	got := l.All()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
	got[0].Verdict = schemas.VerdictFailed
	assert.Equal(t, schemas.VerdictConfirmed, l.All()[0].Verdict)
}

func TestConcurrentRecord(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				target := fmt.Sprintf("user%d", j)
				l.Record(outcome(schemas.ActionFollow, target, schemas.VerdictConfirmed))
				_ = l.HasConfirmed(schemas.ActionFollow, target)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, l.Len())
	assert.Len(t, l.History(schemas.ActionFollow, "user7"), 8)
}
