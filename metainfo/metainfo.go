// Package metainfo parses a .torrent file into an immutable TorrentDescriptor.
// It is a narrow-contract collaborator: the engine core only ever reads the
// descriptor through the accessors below.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strings"

	bencode "github.com/jackpal/bencode-go"
)

// FileEntry is one file in the torrent's file list, in payload order.
type FileEntry struct {
	RelativePath string
	Length       int64
}

// TorrentDescriptor is the immutable, parsed view of a .torrent file.
type TorrentDescriptor struct {
	InfoHash     [20]byte
	Name         string
	PieceLength  int64
	PieceHashes  [][20]byte
	Files        []FileEntry
	Announce     string
	AnnounceList []string
	// UrlList holds BEP 19 web-seed base URLs, used by session as a
	// fallback when the tracker yields no peers.
	UrlList []string
}

type bencodeFileInfo struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type bencodeInfo struct {
	PieceLength int64             `bencode:"piece length"`
	Pieces      string            `bencode:"pieces"`
	Name        string            `bencode:"name"`
	Length      int64             `bencode:"length,omitempty"`
	Files       []bencodeFileInfo `bencode:"files,omitempty"`
}

type bencodeTorrent struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list,omitempty"`
	UrlList      interface{} `bencode:"url-list,omitempty"`
	Info         bencodeInfo `bencode:"info"`
}

// urlListStrings normalizes BEP 19's url-list, which may be a single byte
// string or a list of byte strings.
func urlListStrings(raw interface{}) []string {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Open reads and parses a .torrent file at path.
func Open(path string) (*TorrentDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: open %s: %w", path, err)
	}
	defer f.Close()

	var bt bencodeTorrent
	if err := bencode.Unmarshal(f, &bt); err != nil {
		return nil, fmt.Errorf("metainfo: decode %s: %w", path, err)
	}
	return fromBencode(&bt)
}

func fromBencode(bt *bencodeTorrent) (*TorrentDescriptor, error) {
	var infoBuf bytes.Buffer
	if err := bencode.Marshal(&infoBuf, bt.Info); err != nil {
		return nil, fmt.Errorf("metainfo: re-encode info dict: %w", err)
	}
	infoHash := sha1.Sum(infoBuf.Bytes())

	if len(bt.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces field length %d not a multiple of 20", len(bt.Info.Pieces))
	}
	numPieces := len(bt.Info.Pieces) / 20
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], bt.Info.Pieces[i*20:(i+1)*20])
	}

	var files []FileEntry
	if len(bt.Info.Files) > 0 {
		for _, fi := range bt.Info.Files {
			files = append(files, FileEntry{RelativePath: joinPath(fi.Path), Length: fi.Length})
		}
	} else {
		files = []FileEntry{{RelativePath: bt.Info.Name, Length: bt.Info.Length}}
	}

	var total int64
	for _, fe := range files {
		total += fe.Length
	}
	if total <= 0 || numPieces == 0 {
		return nil, fmt.Errorf("metainfo: zero-length torrent is not supported")
	}

	td := &TorrentDescriptor{
		InfoHash:     infoHash,
		Name:         bt.Info.Name,
		PieceLength:  bt.Info.PieceLength,
		PieceHashes:  hashes,
		Files:        files,
		Announce:     bt.Announce,
		AnnounceList: flattenAnnounceList(bt.AnnounceList, bt.Announce),
		UrlList:      urlListStrings(bt.UrlList),
	}
	return td, nil
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

func flattenAnnounceList(list [][]string, primary string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u == "" {
			return
		}
		key := strings.ToLower(u)
		if !seen[key] {
			seen[key] = true
			out = append(out, u)
		}
	}
	add(primary)
	for _, tier := range list {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}

func (td *TorrentDescriptor) NumPieces() int {
	return len(td.PieceHashes)
}

func (td *TorrentDescriptor) TotalLength() int64 {
	var total int64
	for _, f := range td.Files {
		total += f.Length
	}
	return total
}

// PieceLengthOf returns the logical length of piece i, accounting for the
// last piece being shorter than PieceLength when TotalLength isn't an exact
// multiple of it.
func (td *TorrentDescriptor) PieceLengthOf(i int) int64 {
	if i == td.NumPieces()-1 {
		rem := td.TotalLength() - td.PieceLength*int64(td.NumPieces()-1)
		return rem
	}
	return td.PieceLength
}
