package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "AgentMesh-Chain/internal/errors"
)

const createAuditTable = `CREATE TABLE IF NOT EXISTS audit_records (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	kind VARCHAR(32) NOT NULL,
	plugin_id VARCHAR(128) NOT NULL,
	tool_name VARCHAR(128) NOT NULL DEFAULT '',
	request_id VARCHAR(64) NOT NULL DEFAULT '',
	event VARCHAR(64) NOT NULL,
	severity VARCHAR(16) NOT NULL,
	detail JSON NULL,
	occurred_at TIMESTAMP(3) NOT NULL,
	INDEX idx_audit_plugin (plugin_id, occurred_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// MySQLSinkConfig 描述 MySQL 审计存储的连接参数。
type MySQLSinkConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLSink 将审计记录写入 MySQL，作为长期保留后端。
type MySQLSink struct {
	db *sql.DB
}

// NewMySQLSink 建立连接并确保审计表存在。
func NewMySQLSink(ctx context.Context, cfg MySQLSinkConfig) (*MySQLSink, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	if _, err := db.ExecContext(ctx, createAuditTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建审计表失败: %w", err)
	}
	return &MySQLSink{db: db}, nil
}

// Write 插入一条审计记录。
func (s *MySQLSink) Write(ctx context.Context, record Record) error {
	var detail any
	if len(record.Detail) > 0 {
		raw, err := json.Marshal(record.Detail)
		if err != nil {
			return fmt.Errorf("序列化审计详情失败: %w", err)
		}
		detail = string(raw)
	}
	occurredAt := record.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (kind, plugin_id, tool_name, request_id, event, severity, detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(record.Kind), record.PluginID, record.ToolName, record.RequestID,
		record.Event, string(record.Severity), detail, occurredAt,
	)
	if err != nil {
		return fmt.Errorf("写入审计记录失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
