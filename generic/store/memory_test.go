package store_test

import (
	"testing"

	"github.com/fieldtrack/leave-ledger/generic"
	"github.com/fieldtrack/leave-ledger/generic/store"
	"github.com/fieldtrack/leave-ledger/generic/store/storetest"
)

func TestMemoryConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) generic.Store { return store.NewMemory() })
}

func TestTxMemoryConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) generic.Store { return store.NewTxMemory() })
}
