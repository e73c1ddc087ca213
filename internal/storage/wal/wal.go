package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加檢查點紀錄到日誌檔案（append-only，每行一筆 JSON）
// 2. 提供重放功能以恢復任務與 Action 表
// 3. 支援日誌旋轉（快照後清空，舊檔壓縮保存）
// 4. 確保寫入持久性與資料完整性（CRC32 + 截斷殘缺尾行）
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// maxLineSize 單行紀錄上限（含快照 JSON）
const maxLineSize = 16 * 1024 * 1024

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前紀錄序號（旋轉後不歸零）
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
	log          *slog.Logger
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描到最後一筆有效紀錄並繼續其 seq
- 最後一行若為寫到一半的殘缺紀錄（崩潰造成），截斷之
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path         - WAL 檔案路徑
	syncOnAppend - 每筆紀錄寫入後是否 fsync
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	logger := slog.With("component", "wal", "path", path)

	validSize, lastSeq, err := scanValidPrefix(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	// 殘缺尾行：截斷到最後一筆完整紀錄
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > validSize {
		logger.Warn("truncating torn WAL tail", "size", stat.Size(), "valid", validSize)
		if err := file.Truncate(validSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncate torn tail: %w", err)
		}
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          lastSeq,
		syncOnAppend: syncOnAppend,
		log:          logger,
	}, nil
}

// Append 追加一筆紀錄到 WAL
//
// 行為：
// - 自動遞增 seq 並填入時間戳
// - 計算 checksum
// - 整行一次寫入；syncOnAppend 時立即 fsync
//
// 回傳已寫入的紀錄（含 seq 與 checksum）
func (w *WAL) Append(recType RecordType, jobID types.JobID, index int, data any) (Record, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Record{}, fmt.Errorf("encode record data: %w", err)
		}
		raw = b
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Record{}, ErrWALClosed
	}

	rec := Record{
		Seq:       w.seq + 1,
		Type:      recType,
		JobID:     jobID,
		Index:     index,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}
	rec.Checksum = CalculateChecksum(rec)

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return Record{}, fmt.Errorf("write record: %w", err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return Record{}, fmt.Errorf("sync record: %w", err)
		}
	}
	w.seq = rec.Seq
	return rec, nil
}

// Replay 重放所有 WAL 紀錄
//
// 行為：
// - 從頭逐行讀取 WAL 檔案
// - 驗證每筆紀錄的 checksum
// - 呼叫 handler 應用紀錄
// - 中間行損毀立即停止並回傳錯誤；最後一行殘缺則忽略
func (w *WAL) Replay(handler RecordHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	return replayFile(w.path, handler)
}

// Rotate 旋轉日誌檔案
//
// 舊檔更名為帶時間戳的備份並以 gzip 壓縮；新檔為空，seq 延續
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = newFile

	if err := compressWALFile(backupPath, backupPath+".gz"); err != nil {
		w.log.Warn("compress rotated WAL failed", "backup", backupPath, "error", err)
		return nil
	}
	if err := os.Remove(backupPath); err != nil {
		w.log.Warn("remove rotated WAL failed", "backup", backupPath, "error", err)
	}
	return nil
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的紀錄序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// AdvanceSeq 將序號推進到至少 seq
// 快照之後 WAL 被旋轉為空檔，重啟時需從快照的 LastSeq 接續
func (w *WAL) AdvanceSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// replayFile 逐行讀取並驗證，handler 回傳錯誤時停止
func replayFile(path string, handler RecordHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return replayReader(file, handler)
}

func replayReader(r io.Reader, handler RecordHandler) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	lineNo := 0
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) == 0 && readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
		lineNo++
		torn := readErr == io.EOF // 沒有換行結尾：寫到一半的殘缺紀錄

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if len(line) > maxLineSize {
			return &CorruptionError{Line: lineNo, Cause: fmt.Errorf("line exceeds %d bytes", maxLineSize)}
		}

		rec, err := decodeLine(line)
		if err != nil {
			if torn {
				return nil
			}
			return &CorruptionError{Line: lineNo, Cause: err}
		}
		if torn {
			// 完整解析但缺少換行：仍視為殘缺，與 NewWAL 的截斷行為一致
			return nil
		}
		if err := handler(rec); err != nil {
			return err
		}
		if readErr != nil && readErr != io.EOF {
			return readErr
		}
	}
}

func decodeLine(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, err
	}
	if err := VerifyChecksum(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// scanValidPrefix 回傳最後一筆完整且校驗通過的紀錄結束位置與其 seq
// 中間行損毀時回傳 CorruptionError
func scanValidPrefix(path string) (int64, uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 64*1024)
	var offset, valid int64
	var lastSeq uint64
	lineNo := 0
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) == 0 && readErr != nil {
			if readErr == io.EOF {
				return valid, lastSeq, nil
			}
			return valid, lastSeq, readErr
		}
		lineNo++
		offset += int64(len(line))
		if readErr == io.EOF {
			// 沒有換行結尾的尾行一律截斷
			return valid, lastSeq, nil
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			valid = offset
			continue
		}
		rec, err := decodeLine(trimmed)
		if err != nil {
			if _, peekErr := reader.Peek(1); peekErr == io.EOF {
				// 最後一行損毀：視為殘缺寫入
				return valid, lastSeq, nil
			}
			return valid, lastSeq, &CorruptionError{Line: lineNo, Cause: err}
		}
		lastSeq = rec.Seq
		valid = offset
	}
}

// compressWALFile 以 gzip 壓縮旋轉出來的 WAL 檔案
// 只在旋轉時壓縮，避免每次寫入都壓縮造成效能瓶頸
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()
	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}
	return dstFile.Sync()
}
