package snapshot

// ============================================================================
// 職責說明：
// 1. 將任務歷史序列化為 JSON 匯出檔
// 2. 使用原子性寫入（temp file + rename）防止讀者看到半成品
// 3. 載入時驗證 schema 版本（供 CLI 與測試檢視匯出檔）
// 註：守護進程重啟時不會讀回匯出檔，任務歷史不持久化
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/middlewared/pkg/types"
)

// SchemaVersion 匯出檔格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedExport     = errors.New("export file is corrupted")
	ErrIncompatibleVersion = errors.New("export schema version is incompatible")
	ErrExportNotFound      = errors.New("export file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 任務歷史匯出管理器
type Manager struct {
	path string     // 匯出檔案路徑
	mu   sync.Mutex // 保護檔案操作
	now  func() time.Time
}

// NewManager 建立匯出管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		now:  time.Now,
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Write 原子性寫入任務快照
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 返回值：
//   - types.HistoryExport: 實際寫入的內容（含版本與時間戳）
//   - error: 寫入失敗時的錯誤
func (m *Manager) Write(jobs []types.JobSnapshot) (types.HistoryExport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if jobs == nil {
		jobs = []types.JobSnapshot{}
	}
	data := types.HistoryExport{
		Jobs:       jobs,
		SchemaVer:  SchemaVersion,
		ExportedAt: m.now().UTC(),
	}

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return data, fmt.Errorf("failed to marshal export: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return data, fmt.Errorf("failed to create export dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return data, fmt.Errorf("failed to write temp export: %w", err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return data, fmt.Errorf("failed to rename export: %w", err)
	}

	return data, nil
}

// Load 載入匯出檔
//
// 行為：
//   - 檔案不存在時回傳 ErrExportNotFound
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的檔案
func (m *Manager) Load() (types.HistoryExport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.HistoryExport

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, fmt.Errorf("%w: %s", ErrExportNotFound, m.path)
		}
		return data, fmt.Errorf("failed to read export: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedExport, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.Jobs == nil {
		data.Jobs = []types.JobSnapshot{}
	}
	return data, nil
}

// Exists 檢查匯出檔是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得匯出檔路徑
func (m *Manager) GetPath() string {
	return m.path
}
