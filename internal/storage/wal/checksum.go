package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 紀錄的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算紀錄的 CRC32 校驗和
//
// 演算法：
// - 將 Type、Seq、JobID、Index 與 Data 串接
// - 使用 CRC32-IEEE 多項式計算
// - 不包含 Timestamp
func CalculateChecksum(rec Record) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(rec.Type))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(rec.Seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(uint64(rec.JobID), 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(rec.Index)))
	h.Write([]byte{0})
	h.Write(rec.Data)
	return h.Sum32()
}

// VerifyChecksum 驗證紀錄的校驗和，不符時回傳 *ChecksumError
func VerifyChecksum(rec Record) error {
	expected := CalculateChecksum(rec)
	if rec.Checksum != expected {
		return &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
	}
	return nil
}
