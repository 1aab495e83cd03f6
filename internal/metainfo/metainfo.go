// Package metainfo parses .torrent files (bencoded metainfo dictionaries)
// into the structures the engine needs to add a torrent. Per spec.md §1
// this parser's contract with the core is what matters; its job ends at
// producing a MetaInfo.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/cenkalti/gorain/bencode"
)

// FileInTorrent maps a path within the torrent to its length, in the
// torrent's declared file order.
type FileInTorrent struct {
	Path   string
	Length int64
}

// Info is the parsed "info" sub-dictionary.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][20]byte
	// Files is empty for single-file torrents, in which case Length and
	// Name describe the sole file directly.
	Files   []FileInTorrent
	Length  int64
	Private bool
}

// IsMultiFile reports whether this torrent declares a "files" list.
func (i *Info) IsMultiFile() bool { return len(i.Files) > 0 }

// TotalLength returns the sum of all file lengths.
func (i *Info) TotalLength() int64 {
	if !i.IsMultiFile() {
		return i.Length
	}
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

// FlatFiles returns the ordered list of (path, length) pairs whose
// concatenation is the flat torrent byte stream, regardless of whether the
// torrent is single- or multi-file.
func (i *Info) FlatFiles() []FileInTorrent {
	if !i.IsMultiFile() {
		return []FileInTorrent{{Path: i.Name, Length: i.Length}}
	}
	return i.Files
}

// RootDirName returns the directory name multi-file torrents are rooted
// under, if any.
func (i *Info) RootDirName() (string, bool) {
	if i.IsMultiFile() {
		return i.Name, true
	}
	return "", false
}

// MetaInfo is the top-level .torrent dictionary.
type MetaInfo struct {
	Info         *Info
	InfoHash     [20]byte
	Announce     string
	AnnounceList [][]string
}

// GetTrackers returns the announce URL tiers as declared: the announce-list
// if present, else the single announce URL as one tier. Tiers are neither
// flattened nor de-duplicated here.
func (m *MetaInfo) GetTrackers() [][]string {
	if len(m.AnnounceList) > 0 {
		return m.AnnounceList
	}
	if m.Announce != "" {
		return [][]string{{m.Announce}}
	}
	return nil
}

// New parses a .torrent file from r.
func New(r io.Reader) (*MetaInfo, error) {
	dec := bencode.NewDecoder(r)
	v, err := dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	top, ok := v.(*bencode.Dict)
	if !ok {
		return nil, errors.New("metainfo: top-level value is not a dict")
	}

	infoVal, ok := top.Get("info")
	if !ok {
		return nil, errors.New("metainfo: missing info dict")
	}
	infoDict, ok := infoVal.(*bencode.Dict)
	if !ok {
		return nil, errors.New("metainfo: info is not a dict")
	}

	var buf bytes.Buffer
	if err := bencode.EncodeRaw(&buf, infoDict); err != nil {
		return nil, err
	}

	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	mi := &MetaInfo{
		Info:     info,
		InfoHash: sha1.Sum(buf.Bytes()),
	}
	if announce, ok := top.Get("announce"); ok {
		mi.Announce, _ = announce.(string)
	}
	if al, ok := top.Get("announce-list"); ok {
		if outer, ok := al.([]interface{}); ok {
			for _, tierVal := range outer {
				tierList, ok := tierVal.([]interface{})
				if !ok {
					continue
				}
				var tier []string
				for _, u := range tierList {
					if s, ok := u.(string); ok {
						tier = append(tier, s)
					}
				}
				if len(tier) > 0 {
					mi.AnnounceList = append(mi.AnnounceList, tier)
				}
			}
		}
	}
	return mi, nil
}

func parseInfo(d *bencode.Dict) (*Info, error) {
	info := &Info{}
	if name, ok := d.Get("name"); ok {
		info.Name, _ = name.(string)
	}
	pl, ok := d.Get("piece length")
	if !ok {
		return nil, errors.New("metainfo: missing piece length")
	}
	plInt, ok := pl.(int64)
	if !ok {
		return nil, errors.New("metainfo: piece length is not an integer")
	}
	info.PieceLength = plInt

	piecesVal, ok := d.Get("pieces")
	if !ok {
		return nil, errors.New("metainfo: missing pieces")
	}
	piecesStr, ok := piecesVal.(string)
	if !ok {
		return nil, errors.New("metainfo: pieces is not a string")
	}
	if len(piecesStr)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d not a multiple of 20", len(piecesStr))
	}
	for i := 0; i < len(piecesStr); i += 20 {
		var h [20]byte
		copy(h[:], piecesStr[i:i+20])
		info.Pieces = append(info.Pieces, h)
	}

	if priv, ok := d.Get("private"); ok {
		if p, ok := priv.(int64); ok && p == 1 {
			info.Private = true
		}
	}

	if filesVal, ok := d.Get("files"); ok {
		filesList, ok := filesVal.([]interface{})
		if !ok {
			return nil, errors.New("metainfo: files is not a list")
		}
		for _, fv := range filesList {
			fd, ok := fv.(*bencode.Dict)
			if !ok {
				return nil, errors.New("metainfo: file entry is not a dict")
			}
			lengthVal, ok := fd.Get("length")
			if !ok {
				return nil, errors.New("metainfo: file entry missing length")
			}
			length, ok := lengthVal.(int64)
			if !ok {
				return nil, errors.New("metainfo: file length is not an integer")
			}
			pathVal, ok := fd.Get("path")
			if !ok {
				return nil, errors.New("metainfo: file entry missing path")
			}
			pathList, ok := pathVal.([]interface{})
			if !ok {
				return nil, errors.New("metainfo: file path is not a list")
			}
			var parts []string
			for _, p := range pathList {
				s, ok := p.(string)
				if !ok {
					return nil, errors.New("metainfo: file path component is not a string")
				}
				parts = append(parts, s)
			}
			info.Files = append(info.Files, FileInTorrent{
				Path:   path.Join(parts...),
				Length: length,
			})
		}
	} else {
		lengthVal, ok := d.Get("length")
		if !ok {
			return nil, errors.New("metainfo: missing length for single-file torrent")
		}
		length, ok := lengthVal.(int64)
		if !ok {
			return nil, errors.New("metainfo: length is not an integer")
		}
		info.Length = length
	}

	return info, nil
}
