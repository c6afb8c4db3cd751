package IO

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultShardBytes caps a single .bin file.
const DefaultShardBytes = int64(2 * 1024 * 1024 * 1024)

// ExportTokenIDsBinary writes token id sequences to a binary data file plus an index:
//
//   - .bin = concatenated int32 token sequences
//   - .idx = int64 (offset, length) per sequence
//
// It splits into shards <= maxShardBytes named <prefix>-000.bin, <prefix>-001.bin, ...
func ExportTokenIDsBinary(seqs [][]int, outPrefix string, maxShardBytes int64) (err error) {
	if maxShardBytes <= 0 {
		maxShardBytes = DefaultShardBytes
	}
	if err := os.MkdirAll(filepath.Dir(outPrefix), 0o755); err != nil {
		return err
	}

	shard := 0
	var (
		dataF, idxF *os.File
		wData, wIdx *bufio.Writer
		cur         int64
	)
	closeShard := func() error {
		if dataF == nil {
			return nil
		}
		if err := wData.Flush(); err != nil {
			return err
		}
		if err := wIdx.Flush(); err != nil {
			return err
		}
		errData := dataF.Close()
		errIdx := idxF.Close()
		dataF, idxF = nil, nil
		return errors.Join(errData, errIdx)
	}
	// a failed write must not leak the open shard
	defer func() {
		if err != nil && dataF != nil {
			dataF.Close()
			idxF.Close()
		}
	}()
	openShard := func() error {
		if err := closeShard(); err != nil {
			return err
		}
		d, err := os.Create(fmt.Sprintf("%s-%03d.bin", outPrefix, shard))
		if err != nil {
			return err
		}
		x, err := os.Create(fmt.Sprintf("%s-%03d.idx", outPrefix, shard))
		if err != nil {
			d.Close()
			return err
		}
		dataF, idxF = d, x
		wData = bufio.NewWriter(dataF)
		wIdx = bufio.NewWriter(idxF)
		cur = 0
		return nil
	}

	if err := openShard(); err != nil {
		return err
	}

	buf4 := make([]byte, 4)
	buf8 := make([]byte, 8)
	for _, ids := range seqs {
		// write offset + length to idx
		binary.LittleEndian.PutUint64(buf8, uint64(cur))
		if _, err := wIdx.Write(buf8); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(buf8, uint64(len(ids)))
		if _, err := wIdx.Write(buf8); err != nil {
			return err
		}

		// write ids to bin
		for _, id := range ids {
			binary.LittleEndian.PutUint32(buf4, uint32(id))
			if _, err := wData.Write(buf4); err != nil {
				return err
			}
		}
		cur += int64(4 * len(ids))

		// rollover if shard too big
		if cur >= maxShardBytes {
			shard++
			if err := openShard(); err != nil {
				return err
			}
		}
	}
	return closeShard()
}

// ImportTokenIDsBinary reads every shard of prefix in order.
func ImportTokenIDsBinary(prefix string) ([][]int, error) {
	var out [][]int
	for shard := 0; ; shard++ {
		binPath := fmt.Sprintf("%s-%03d.bin", prefix, shard)
		idxPath := fmt.Sprintf("%s-%03d.idx", prefix, shard)
		data, err := os.ReadFile(binPath)
		if errors.Is(err, fs.ErrNotExist) {
			if shard == 0 {
				return nil, fmt.Errorf("no shards for %s: %w", prefix, err)
			}
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		idx, err := os.Open(idxPath)
		if err != nil {
			return nil, err
		}
		seqs, err := readShard(bufio.NewReader(idx), data)
		idx.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", idxPath, err)
		}
		out = append(out, seqs...)
	}
}

func readShard(idx io.Reader, data []byte) ([][]int, error) {
	var out [][]int
	buf := make([]byte, 16)
	for {
		if _, err := io.ReadFull(idx, buf); err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, err
		}
		off := int64(binary.LittleEndian.Uint64(buf[:8]))
		n := int64(binary.LittleEndian.Uint64(buf[8:]))
		if off < 0 || off+4*n > int64(len(data)) {
			return nil, fmt.Errorf("sequence at offset %d length %d overruns data (%d bytes)", off, n, len(data))
		}
		ids := make([]int, n)
		for i := range ids {
			p := off + int64(4*i)
			ids[i] = int(int32(binary.LittleEndian.Uint32(data[p : p+4])))
		}
		out = append(out, ids)
	}
}

func saveCachedDataset(dir string, ds *Dataset, paired bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := ExportVocabJSON(ds.SourceVocab, filepath.Join(dir, "vocab_source.json")); err != nil {
		return err
	}
	if err := ExportVocabJSON(ds.TargetVocab, filepath.Join(dir, "vocab_target.json")); err != nil {
		return err
	}
	for _, s := range splits {
		c := *ds.split(s)
		if paired {
			if err := ExportTokenIDsBinary(c.Source, filepath.Join(dir, s+"_src"), 0); err != nil {
				return err
			}
		}
		if err := ExportTokenIDsBinary(c.Target, filepath.Join(dir, s+"_tgt"), 0); err != nil {
			return err
		}
	}
	return nil
}

func loadCachedDataset(dir string, paired bool) (*Dataset, error) {
	src, err := ImportVocabJSON(filepath.Join(dir, "vocab_source.json"))
	if err != nil {
		return nil, err
	}
	tgt, err := ImportVocabJSON(filepath.Join(dir, "vocab_target.json"))
	if err != nil {
		return nil, err
	}
	ds := NewDataset(src, tgt)
	for _, s := range splits {
		c := &Corpus{}
		if paired {
			if c.Source, err = ImportTokenIDsBinary(filepath.Join(dir, s+"_src")); err != nil {
				return nil, err
			}
		}
		if c.Target, err = ImportTokenIDsBinary(filepath.Join(dir, s+"_tgt")); err != nil {
			return nil, err
		}
		if paired && len(c.Source) != len(c.Target) {
			return nil, fmt.Errorf("cached %s split: %d sources, %d targets", s, len(c.Source), len(c.Target))
		}
		*ds.split(s) = c
	}
	return ds, nil
}
