package selftest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/selftest"
)

func TestRunPassesOnHealthyStack(t *testing.T) {
	require.NoError(t, selftest.Run(context.Background(), zap.NewNop()))
}
