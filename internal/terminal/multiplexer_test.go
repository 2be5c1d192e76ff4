package terminal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paseohq/paseod/internal/apperrors"
	"github.com/paseohq/paseod/internal/common/config"
	"github.com/paseohq/paseod/internal/common/logger"
)

func newTestMultiplexer() *Multiplexer {
	cfg := &config.TerminalConfig{ScrollbackCapBytes: 64 * 1024, DefaultCols: 80, DefaultRows: 24}
	return New(logger.Default(), cfg)
}

func TestCreateTerminal_VisibleInListBeforeReturn(t *testing.T) {
	m := newTestMultiplexer()
	cwd := t.TempDir()

	info, err := m.CreateTerminal(cwd)
	require.NoError(t, err)

	list := m.ListTerminals(cwd)
	require.Len(t, list, 1)
	require.Equal(t, info.ID, list[0].ID)

	require.NoError(t, m.KillTerminal(context.Background(), info.ID))
}

func TestAttachTerminalStream_ReceivesLiveOutput(t *testing.T) {
	m := newTestMultiplexer()
	cwd := t.TempDir()

	info, err := m.CreateTerminal(cwd)
	require.NoError(t, err)
	defer m.KillTerminal(context.Background(), info.ID)

	dataCh := make(chan []byte, 16)
	streamID, snapshot, err := m.AttachTerminalStream(info.ID, func(d []byte) {
		dataCh <- d
	}, func() {})
	require.NoError(t, err)
	require.NotEmpty(t, streamID)
	require.NotNil(t, snapshot) // a clean (if blank) screen, never nil on a live terminal

	require.NoError(t, m.SendTerminalStreamInput(streamID, []byte("echo hi\n")))

	require.Eventually(t, func() bool {
		select {
		case <-dataCh:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "expected output from the shell echoing the command")

	m.DetachTerminalStream(streamID)
}

func TestKillTerminal_NewAttachFailsUnknownTerminal(t *testing.T) {
	m := newTestMultiplexer()
	cwd := t.TempDir()

	info, err := m.CreateTerminal(cwd)
	require.NoError(t, err)
	require.NoError(t, m.KillTerminal(context.Background(), info.ID))

	_, _, err = m.AttachTerminalStream(info.ID, func([]byte) {}, func() {})
	require.Error(t, err)
	require.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestSendTerminalInput_ResizeIdempotentForEqualSizes(t *testing.T) {
	m := newTestMultiplexer()
	cwd := t.TempDir()

	info, err := m.CreateTerminal(cwd)
	require.NoError(t, err)
	defer m.KillTerminal(context.Background(), info.ID)

	require.NoError(t, m.SendTerminalInput(info.ID, ResizeInput{Cols: 100, Rows: 40}))
	require.NoError(t, m.SendTerminalInput(info.ID, ResizeInput{Cols: 100, Rows: 40}))
}

func TestSubscribeTerminals_NotifiedOnCreateAndKill(t *testing.T) {
	m := newTestMultiplexer()
	cwd := t.TempDir()

	notifyCh := make(chan struct{}, 16)
	unsubscribe := m.SubscribeTerminals(cwd, func(c string) { notifyCh <- struct{}{} })
	defer unsubscribe()

	info, err := m.CreateTerminal(cwd)
	require.NoError(t, err)
	select {
	case <-notifyCh:
	case <-time.After(time.Second):
		t.Fatal("expected a list-change notification on create")
	}

	require.NoError(t, m.KillTerminal(context.Background(), info.ID))
	select {
	case <-notifyCh:
	case <-time.After(time.Second):
		t.Fatal("expected a list-change notification on kill")
	}
}
