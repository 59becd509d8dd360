package drive

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pomelo/pkg/crypto"
	"github.com/fruitsalade/pomelo/pkg/models"
	"github.com/fruitsalade/pomelo/pkg/protocol"
)

func testDownloadEngine(f *fixture) *DownloadEngine {
	return newDownloadEngine(f.cache, f.server, f.resolver, DownloadConfig{
		MaxBlocks: 3,
		PageSize:  4,
	})
}

func TestDownloadStreamsBlocksInOrder(t *testing.T) {
	f := newFixture(t)
	// 7 blocks at the fixture's 16-byte block size, spanning two block
	// list pages, with only 3 blocks in flight at a time.
	content := make([]byte, 100)
	for i := range content {
		content[i] = byte(i)
	}
	fileID := f.addFile(t, f.rootID, "big.bin", content)
	e := testDownloadEngine(f)

	var buf bytes.Buffer
	require.NoError(t, e.DownloadFile(context.Background(), f.shareID, fileID, &buf))
	require.Equal(t, content, buf.Bytes())

	transfers := e.Transfers()
	require.Len(t, transfers, 1)
	require.Equal(t, models.TransferDone, transfers[0].State)
	require.Equal(t, int64(len(content)), transfers[0].Done)
}

func TestDownloadCancelStopsTransfer(t *testing.T) {
	f := newFixture(t)
	content := make([]byte, 64)
	fileID := f.addFile(t, f.rootID, "big.bin", content)
	f.server.blockGate = make(chan struct{})
	e := testDownloadEngine(f)

	errc := make(chan error, 1)
	go func() {
		var buf bytes.Buffer
		errc <- e.DownloadFile(context.Background(), f.shareID, fileID, &buf)
	}()

	var id string
	require.Eventually(t, func() bool {
		transfers := e.Transfers()
		if len(transfers) == 0 {
			return false
		}
		id = transfers[0].ID
		return transfers[0].State == models.TransferProgress
	}, 5*time.Second, time.Millisecond, "download never reached the block fetch")

	e.Cancel(id)
	require.ErrorIs(t, <-errc, context.Canceled)
	require.Equal(t, models.TransferCanceled, e.Transfers()[0].State)
}

func TestDownloadFolderMirrorsSubtree(t *testing.T) {
	f := newFixture(t)
	docsID := f.addFolder(t, f.rootID, "docs")
	subID := f.addFolder(t, docsID, "2024")
	f.addFile(t, docsID, "readme.txt", []byte("hello"))
	f.addFile(t, subID, "notes.txt", []byte("world"))
	e := testDownloadEngine(f)

	fs := afero.NewMemMapFs()
	require.NoError(t, e.DownloadFolder(context.Background(), f.shareID, docsID, fs, "out"))

	got, err := afero.ReadFile(fs, "out/readme.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
	got, err = afero.ReadFile(fs, "out/2024/notes.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got)
}

func TestDownloadEmptyFile(t *testing.T) {
	f := newFixture(t)
	fileID := f.addFile(t, f.rootID, "empty.txt", nil)
	e := testDownloadEngine(f)

	var buf bytes.Buffer
	require.NoError(t, e.DownloadFile(context.Background(), f.shareID, fileID, &buf))
	require.Zero(t, buf.Len())
}

func TestDownloadDetectsTamperedBlock(t *testing.T) {
	f := newFixture(t)
	fileID := f.addFile(t, f.rootID, "a.bin", make([]byte, 40))
	e := testDownloadEngine(f)

	f.server.mu.Lock()
	rev := f.server.revisions[f.server.links[fileID].ActiveRevisionID]
	f.server.blocks[rev.blocks[1].Token][0] ^= 0xff
	f.server.mu.Unlock()

	var buf bytes.Buffer
	err := e.DownloadFile(context.Background(), f.shareID, fileID, &buf)
	_, ok := models.AsSignature(err)
	require.True(t, ok, "got %v", err)
}

func TestDownloadDetectsTamperedManifest(t *testing.T) {
	f := newFixture(t)
	fileID := f.addFile(t, f.rootID, "a.bin", []byte("content"))
	e := testDownloadEngine(f)

	f.server.mu.Lock()
	rev := f.server.revisions[f.server.links[fileID].ActiveRevisionID]
	rev.manifestSig[0] ^= 0xff
	f.server.mu.Unlock()

	var buf bytes.Buffer
	err := e.DownloadFile(context.Background(), f.shareID, fileID, &buf)
	_, ok := models.AsSignature(err)
	require.True(t, ok, "got %v", err)
	require.Zero(t, buf.Len(), "tampered download must not emit bytes")
}

func TestDownloadFolderIsRejected(t *testing.T) {
	f := newFixture(t)
	folderID := f.addFolder(t, f.rootID, "docs")
	e := testDownloadEngine(f)

	var buf bytes.Buffer
	err := e.DownloadFile(context.Background(), f.shareID, folderID, &buf)
	_, ok := models.AsValidation(err)
	require.True(t, ok, "got %v", err)
}

func TestDownloadCancel(t *testing.T) {
	f := newFixture(t)
	fileID := f.addFile(t, f.rootID, "a.bin", make([]byte, 64))
	e := testDownloadEngine(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	err := e.DownloadFile(ctx, f.shareID, fileID, &buf)
	require.Error(t, err)
	require.NotEqual(t, models.TransferDone, e.Transfers()[0].State)
}

func TestThumbnailFetch(t *testing.T) {
	f := newFixture(t)
	fileID := f.addFile(t, f.rootID, "photo.jpg", []byte("full image"))
	thumb := []byte("tiny preview")

	// Attach an encrypted thumbnail the way a finished upload would.
	sealed, err := crypto.SealSymmetric(f.sessionKeys[fileID], thumb)
	require.NoError(t, err)
	f.server.mu.Lock()
	link := f.server.links[fileID]
	link.HasThumbnail = true
	token := f.server.token()
	f.server.blocks[token] = sealed
	f.server.revisions[link.ActiveRevisionID].thumbnail = &protocol.Block{
		Token: token,
		Hash:  crypto.BlockHash(sealed),
	}
	f.server.mu.Unlock()

	e := testDownloadEngine(f)
	got, err := e.Thumbnail(context.Background(), f.shareID, fileID)
	require.NoError(t, err)
	require.Equal(t, thumb, got)
}

func TestThumbnailMissingIsNotFound(t *testing.T) {
	f := newFixture(t)
	fileID := f.addFile(t, f.rootID, "plain.txt", []byte("no preview"))
	e := testDownloadEngine(f)

	_, err := e.Thumbnail(context.Background(), f.shareID, fileID)
	require.True(t, models.IsNotFound(err), "got %v", err)
}
