package actor

import (
	"sync"
	"testing"

	"github.com/aevon-lab/calcengine/internal/core/calc"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_FIFOAndClose(t *testing.T) {
	mb := newMailbox[int]()
	for i := 0; i < 5; i++ {
		require.True(t, mb.push(i))
	}
	assert.Equal(t, 5, mb.len())

	items, open := mb.drain()
	assert.True(t, open)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, items)
	assert.Equal(t, 0, mb.len())

	require.True(t, mb.push(5))
	mb.close()
	assert.False(t, mb.push(6))

	items, open = mb.drain()
	assert.False(t, open)
	assert.Equal(t, []int{5}, items, "items queued before close are still delivered")
}

func TestMailbox_ConcurrentPush(t *testing.T) {
	mb := newMailbox[int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				mb.push(i)
			}
		}()
	}
	wg.Wait()

	select {
	case <-mb.signal:
	default:
		t.Fatal("expected a pending signal")
	}
	items, _ := mb.drain()
	assert.Len(t, items, 800)
}

func TestCOWHelpersNeverMutateInput(t *testing.T) {
	base := []int{1, 2, 3}
	appended := appendCOW(base, 4)
	removed := removeCOW(base, func(v int) bool { return v == 2 })
	replaced := replaceCOW(base, 9, func(v int) bool { return v == 3 })

	assert.Equal(t, []int{1, 2, 3}, base)
	assert.Equal(t, []int{1, 2, 3, 4}, appended)
	assert.Equal(t, []int{1, 3}, removed)
	assert.Equal(t, []int{1, 2, 9}, replaced)
}

func TestReaders(t *testing.T) {
	tenant := uuid.New()
	dev := entity.New(entity.Device, uuid.New())
	a := calc.NewContext(sumField(tenant, dev), 0, 0)
	b := calc.NewContext(sumField(tenant, dev), 0, 0)
	b.Field.Arguments = map[string]field.Argument{
		"z": {Key: field.ReferencedKey{Name: "z", Type: field.TsLatest}},
	}
	fields := []*calc.Context{a, b}

	x := calc.Update{Kind: calc.TimeSeries, Entries: []kv.Entry{{Key: "x", Ts: 1, Value: 1.0}}}
	z := calc.Update{Kind: calc.TimeSeries, Entries: []kv.Entry{{Key: "z", Ts: 1, Value: 1.0}}}

	assert.Equal(t, []*calc.Context{a}, readers(fields, x, nil))
	assert.Equal(t, []*calc.Context{b}, readers(fields, z, nil))
	assert.Empty(t, readers(fields, x, func(*calc.Context) bool { return false }))
}
