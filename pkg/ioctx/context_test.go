package ioctx_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vito/thunk/pkg/ioctx"
)

func TestDefaults(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, io.Discard, ioctx.StdoutFromContext(ctx))
	require.Equal(t, io.Discard, ioctx.StderrFromContext(ctx))
	require.NotNil(t, ioctx.GetenvFromContext(ctx))
	require.WithinDuration(t, time.Now(), ioctx.NowFromContext(ctx), time.Minute)
}

func TestOverrides(t *testing.T) {
	var stdout, stderr bytes.Buffer
	ctx := ioctx.StdoutToContext(context.Background(), &stdout)
	ctx = ioctx.StderrToContext(ctx, &stderr)
	ctx = ioctx.EnvToContext(ctx, map[string]string{"HOME": "/home/test"})
	fixed := time.Unix(1700000000, 0)
	ctx = ioctx.ClockToContext(ctx, func() time.Time { return fixed })

	_, err := io.WriteString(ioctx.StdoutFromContext(ctx), "out")
	require.NoError(t, err)
	_, err = io.WriteString(ioctx.StderrFromContext(ctx), "err")
	require.NoError(t, err)

	require.Equal(t, "out", stdout.String())
	require.Equal(t, "err", stderr.String())
	require.Equal(t, "/home/test", ioctx.GetenvFromContext(ctx)("HOME"))
	require.Equal(t, "", ioctx.GetenvFromContext(ctx)("PATH"))
	require.Equal(t, fixed, ioctx.NowFromContext(ctx))
}
