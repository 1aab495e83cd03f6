package metainfo

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSingleFileInfoHash(t *testing.T) {
	torrent := "d8:announce14:http://x.com/a4:infod6:lengthi100e4:name5:file112:piece lengthi16384e6:pieces20:AAAAAAAAAAAAAAAAAAAAee"
	mi, err := New(bytes.NewBufferString(torrent))
	require.NoError(t, err)
	require.Equal(t, "c81b62616a576c1067f16e4e640263fd3d1287f6", hex.EncodeToString(mi.InfoHash[:]))
	require.False(t, mi.Info.IsMultiFile())
	require.EqualValues(t, 100, mi.Info.TotalLength())
	require.Equal(t, "http://x.com/a", mi.Announce)
}

func TestParseMultiFileInfoHash(t *testing.T) {
	torrent := "d8:announce14:http://x.com/a4:infod5:filesld6:lengthi10e4:pathl5:a.txteed6:lengthi20e4:pathl5:b.txteee" +
		"4:name3:dir12:piece lengthi16384e6:pieces20:BBBBBBBBBBBBBBBBBBBBee"
	mi, err := New(bytes.NewBufferString(torrent))
	require.NoError(t, err)
	require.Equal(t, "584930fcae5a4025aeb104276f08d18e10f1f399", hex.EncodeToString(mi.InfoHash[:]))
	require.True(t, mi.Info.IsMultiFile())
	require.EqualValues(t, 30, mi.Info.TotalLength())
	require.Len(t, mi.Info.Files, 2)
	require.Equal(t, "a.txt", mi.Info.Files[0].Path)
	root, ok := mi.Info.RootDirName()
	require.True(t, ok)
	require.Equal(t, "dir", root)
}

func TestGetTrackersReturnsAnnounceListTiers(t *testing.T) {
	torrent := "d13:announce-listll14:http://a.com/1el14:http://b.com/2ee4:infod6:lengthi1e4:name1:f12:piece lengthi1e6:pieces20:CCCCCCCCCCCCCCCCCCCCee"
	mi, err := New(bytes.NewBufferString(torrent))
	require.NoError(t, err)
	tiers := mi.GetTrackers()
	require.Len(t, tiers, 2)
}
