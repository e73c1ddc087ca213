package wal

// ============================================================================
// WAL 工具函式
// 職責：提供檢查、統計與傾印 WAL 的輔助功能（供 CLI 的 wal 子命令使用）
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// GetLastRecord 從 WAL 檔案讀取最後一筆有效紀錄
//
// 回傳：
//
//	最後一筆紀錄，檔案沒有任何紀錄時回傳 ErrEmptyWAL
func GetLastRecord(path string) (*Record, error) {
	var last *Record
	err := ReadFile(path, func(rec Record) error {
		r := rec
		last = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountRecords 計算 WAL 中的紀錄總數（殘缺尾行不計）
func CountRecords(path string) (int, error) {
	count := 0
	err := ReadFile(path, func(Record) error {
		count++
		return nil
	})
	return count, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有紀錄的 JSON 格式與校驗和正確（由 replay 檢查）
// - seq 嚴格遞增（旋轉後的新檔可以從任意值開始）
func ValidateWAL(path string) error {
	var lastSeq uint64
	first := true
	return ReadFile(path, func(rec Record) error {
		if !first && rec.Seq <= lastSeq {
			return fmt.Errorf("%w: seq %d after %d", ErrCorruptedWAL, rec.Seq, lastSeq)
		}
		first = false
		lastSeq = rec.Seq
		return nil
	})
}

// ReadFile 重放指定的 WAL 檔案；以 .gz 結尾的旋轉備份會先解壓
func ReadFile(path string, handler RecordHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("open gzip segment: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return replayReader(r, handler)
}

// DumpWAL 將 WAL 內容以人類可讀格式寫出，用於除錯
func DumpWAL(path string, w io.Writer) error {
	return ReadFile(path, func(rec Record) error {
		ts := time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339Nano)
		data := string(rec.Data)
		if data == "" {
			data = "-"
		}
		_, err := fmt.Fprintf(w, "%d\t%s\t%s\tjob=%d\tindex=%d\t%s\n", rec.Seq, ts, rec.Type, rec.JobID, rec.Index, data)
		return err
	})
}

// WALStats WAL 統計資訊
type WALStats struct {
	Path      string             `json:"path"`
	SizeBytes int64              `json:"size_bytes"`
	Records   int                `json:"records"`
	FirstSeq  uint64             `json:"first_seq"`
	LastSeq   uint64             `json:"last_seq"`
	ByType    map[RecordType]int `json:"by_type"`
	Jobs      int                `json:"jobs"`
}

// GetWALStats 計算 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	stats := &WALStats{
		Path:      path,
		SizeBytes: info.Size(),
		ByType:    make(map[RecordType]int),
	}
	jobs := make(map[uint64]struct{})
	err = ReadFile(path, func(rec Record) error {
		if stats.Records == 0 {
			stats.FirstSeq = rec.Seq
		}
		stats.Records++
		stats.LastSeq = rec.Seq
		stats.ByType[rec.Type]++
		jobs[uint64(rec.JobID)] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.Jobs = len(jobs)
	return stats, nil
}

// MarshalStats 以縮排 JSON 輸出統計資訊
func (s *WALStats) MarshalStats() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
