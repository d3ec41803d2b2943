package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(map[int64]int{300: 3, 100: 1, 200: 2})

	require.Equal(t, 3, r.Len())
	s := r.ByTID(200)
	require.NotNil(t, s)
	assert.Equal(t, 2, s.Number)
	assert.Equal(t, int64(200), s.TID)
	assert.False(t, s.Running)
	assert.Equal(t, NoCPU, s.CPU)
	assert.Equal(t, 0, s.Stack.Len())

	assert.Nil(t, r.ByTID(999))

	var numbers []int
	for _, s := range r.All() {
		numbers = append(numbers, s.Number)
	}
	assert.Equal(t, []int{1, 2, 3}, numbers)

	all := r.All()
	all[0], all[2] = all[2], all[0]
	assert.Equal(t, 1, r.All()[0].Number, "callers cannot reorder the registry")
}

func TestCPUTable_BindUnbind(t *testing.T) {
	table := NewCPUTable(4)
	r := NewRegistry(map[int64]int{100: 1})
	s := r.ByTID(100)

	displaced, ok := table.Bind(2, s)
	assert.True(t, ok)
	assert.Nil(t, displaced)
	assert.Same(t, s, table.Resident(2))
	assert.Equal(t, 2, s.CPU)

	assert.Same(t, s, table.Unbind(2))
	assert.Nil(t, table.Resident(2))
	assert.Equal(t, NoCPU, s.CPU)

	assert.Nil(t, table.Unbind(2), "unbinding an empty slot is a no-op")
}

func TestCPUTable_BindOverwrite(t *testing.T) {
	table := NewCPUTable(4)
	r := NewRegistry(map[int64]int{100: 1, 200: 2})
	a, b := r.ByTID(100), r.ByTID(200)

	table.Bind(1, a)
	displaced, ok := table.Bind(1, b)

	assert.True(t, ok)

	assert.Same(t, a, displaced)
	assert.Same(t, b, table.Resident(1))
	assert.Equal(t, NoCPU, a.CPU)
}

func TestCPUTable_SchedulerMovesCPU(t *testing.T) {
	table := NewCPUTable(4)
	s := NewRegistry(map[int64]int{100: 1}).ByTID(100)

	table.Bind(0, s)
	table.Bind(3, s)

	assert.Nil(t, table.Resident(0), "a scheduler is never resident on two CPUs")
	assert.Same(t, s, table.Resident(3))
	assert.Equal(t, 3, s.CPU)
}

func TestCPUTable_Bounds(t *testing.T) {
	table := NewCPUTable(2)
	s := NewRegistry(map[int64]int{100: 1}).ByTID(100)

	assert.Equal(t, 2, table.Capacity())
	assert.False(t, table.Contains(-1))
	assert.False(t, table.Contains(2))
	assert.Nil(t, table.Resident(7))
	displaced, ok := table.Bind(7, s)
	assert.False(t, ok)
	assert.Nil(t, displaced)
	assert.Equal(t, NoCPU, s.CPU)

	table.Bind(1, s)
	_, ok = table.Bind(-1, s)
	assert.False(t, ok)
	assert.Same(t, s, table.Resident(1), "a rejected bind leaves the old slot")
	assert.Equal(t, 1, s.CPU)

	assert.Equal(t, DefaultCPUCapacity, NewCPUTable(0).Capacity())
}
