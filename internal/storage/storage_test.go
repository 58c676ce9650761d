package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	logx "github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"
)

func TestStoresRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		driver string
	}{
		{name: "memory", driver: "memory"},
		{name: "file", driver: "file"},
		{name: "sqlite", driver: "sqlite"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, err := Open(Config{Driver: tt.driver, Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			got, err := st.Get(ctx, "ledger")
			require.NoError(t, err)
			require.Nil(t, got, "missing store should read as nil")

			require.NoError(t, st.Set(ctx, "ledger", []byte(`{"v":1}`)))
			require.NoError(t, st.Set(ctx, "ledger", []byte(`{"v":2}`)))
			got, err = st.Get(ctx, "ledger")
			require.NoError(t, err)
			require.Equal(t, `{"v":2}`, string(got))

			require.ErrorIs(t, st.Set(ctx, " ", []byte("x")), ErrInvalidName)
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := Config{Driver: "file", Path: path, CompactEvery: 2}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, st.Set(ctx, "contracts", []byte(v)))
	}
	require.NoError(t, st.Set(ctx, "ledger", []byte("L")))
	require.NoError(t, st.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.Get(ctx, "contracts")
	require.NoError(t, err)
	require.Equal(t, "c", string(got))
	got, err = st.Get(ctx, "ledger")
	require.NoError(t, err)
	require.Equal(t, "L", string(got))
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	require.ErrorIs(t, err, ErrUnknownStore)
}

func TestClosedStoreRejects(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	require.NoError(t, st.Close())
	_, err := st.Get(context.Background(), "x")
	require.ErrorIs(t, err, ErrClosed)
}
