package cli

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/core/progress"
	"github.com/vietddude/blockindexer/internal/infra/storage/memory"
)

func TestParsePtr(t *testing.T) {
	tests := []struct {
		in      string
		want    *domain.BlockPtr
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "3:0x03", want: ptr(domain.NewBlockPtr(3, "0x03"))},
		{in: "12", wantErr: true},
		{in: "x:0x03", wantErr: true},
		{in: "3:03", wantErr: true},
		{in: "3:0x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePtr(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func ptr(p domain.BlockPtr) *domain.BlockPtr { return &p }

func TestReplay_Typename(t *testing.T) {
	cfg, err := replayConfig("../infra/chain/fixture/testdata/typename.yaml")
	require.NoError(t, err)
	require.Equal(t, "typename", cfg.Deployments[0].ID)
	require.Equal(t, uint64(3), cfg.Deployments[0].StopBlock.Number)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	trace, err := replay(ctx, cfg)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(trace), "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[2], "revert #1 "), lines[2])
	assert.True(t, strings.HasPrefix(lines[5], "apply #3 "), lines[5])
}

func TestRewind(t *testing.T) {
	ctx := context.Background()
	manager := progress.NewManager(memory.NewProgressRepo(memory.NewMemoryStorage()))
	_, err := manager.Create(ctx, "dep")
	require.NoError(t, err)

	b5 := domain.NewBlockPtr(5, "0x05")
	require.NoError(t, manager.Write(ctx, "dep", nil, &b5, domain.HealthFailed))

	b2 := domain.NewBlockPtr(2, "0x02")
	require.NoError(t, rewind(ctx, manager, "dep", &b2))

	rec, err := manager.Read(ctx, "dep")
	require.NoError(t, err)
	assert.Equal(t, b2, *rec.Ptr)
	assert.Equal(t, domain.HealthUnknown, rec.Health)

	require.NoError(t, rewind(ctx, manager, "dep", nil))
	rec, err = manager.Read(ctx, "dep")
	require.NoError(t, err)
	assert.Nil(t, rec.Ptr)
}

func TestRewind_Missing(t *testing.T) {
	manager := progress.NewManager(memory.NewProgressRepo(memory.NewMemoryStorage()))
	err := rewind(context.Background(), manager, "nope", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
