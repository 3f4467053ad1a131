package store

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// SQLConfig selects and addresses the relational backend.
type SQLConfig struct {
	Driver string

	// Path is the database file for the sqlite driver.
	Path string

	Host     string
	Port     int
	Database string
	User     string
	Password string
	// SSLMode is one of REQUIRED, PREFERRED, DISABLED, VERIFY_CA or
	// VERIFY_IDENTITY.
	SSLMode string
}

type dialect struct {
	name          string
	schema        []string
	upsertSession string
	// singleConn serializes access through one connection.
	singleConn bool

	// timeLayout is fixed-width so stored timestamps sort lexically.
	timeLayout string
	// columnExists counts columns named by the second argument in the
	// table named by the first.
	columnExists string
	intType      string
}

const sessionColumns = `session_id, created_at, last_activity, total_messages, total_chunks, current_messages_count, estimated_total_tokens`

var sqliteDialect = dialect{
	name: DriverSQLite,
	schema: []string{`
	CREATE TABLE IF NOT EXISTS conversation_sessions (
		session_id             TEXT PRIMARY KEY,
		created_at             TEXT NOT NULL,
		last_activity          TEXT NOT NULL,
		total_messages         INTEGER NOT NULL DEFAULT 0,
		total_chunks           INTEGER NOT NULL DEFAULT 0,
		current_messages_count INTEGER NOT NULL DEFAULT 0,
		estimated_total_tokens INTEGER NOT NULL DEFAULT 0
	)`, `
	CREATE TABLE IF NOT EXISTS conversation_chunks (
		chunk_id     TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL REFERENCES conversation_sessions(session_id),
		position     INTEGER NOT NULL,
		messages     TEXT NOT NULL,
		total_tokens INTEGER NOT NULL,
		created_at   TEXT NOT NULL,
		summary      TEXT
	)`, `
	CREATE TABLE IF NOT EXISTS current_messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL REFERENCES conversation_sessions(session_id),
		position    INTEGER NOT NULL,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		timestamp   TEXT NOT NULL,
		token_count INTEGER NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_session ON conversation_chunks(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_current_messages_session ON current_messages(session_id)`,
	},
	upsertSession: `INSERT INTO conversation_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			created_at = excluded.created_at,
			last_activity = excluded.last_activity,
			total_messages = excluded.total_messages,
			total_chunks = excluded.total_chunks,
			current_messages_count = excluded.current_messages_count,
			estimated_total_tokens = excluded.estimated_total_tokens`,
	singleConn:   true,
	timeLayout:   "2006-01-02T15:04:05.000000000Z07:00",
	columnExists: `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
	intType:      "INTEGER",
}

var mysqlDialect = dialect{
	name: DriverMySQL,
	schema: []string{`
	CREATE TABLE IF NOT EXISTS conversation_sessions (
		session_id             VARCHAR(255) PRIMARY KEY,
		created_at             VARCHAR(40) NOT NULL,
		last_activity          VARCHAR(40) NOT NULL,
		total_messages         INT NOT NULL DEFAULT 0,
		total_chunks           INT NOT NULL DEFAULT 0,
		current_messages_count INT NOT NULL DEFAULT 0,
		estimated_total_tokens INT NOT NULL DEFAULT 0
	) CHARACTER SET utf8mb4`, `
	CREATE TABLE IF NOT EXISTS conversation_chunks (
		chunk_id     VARCHAR(255) PRIMARY KEY,
		session_id   VARCHAR(255) NOT NULL,
		position     INT NOT NULL,
		messages     LONGTEXT NOT NULL,
		total_tokens INT NOT NULL,
		created_at   VARCHAR(40) NOT NULL,
		summary      TEXT,
		INDEX idx_chunks_session (session_id),
		FOREIGN KEY (session_id) REFERENCES conversation_sessions(session_id) ON DELETE CASCADE
	) CHARACTER SET utf8mb4`, `
	CREATE TABLE IF NOT EXISTS current_messages (
		id          INT AUTO_INCREMENT PRIMARY KEY,
		session_id  VARCHAR(255) NOT NULL,
		position    INT NOT NULL,
		role        VARCHAR(50) NOT NULL,
		content     MEDIUMTEXT NOT NULL,
		timestamp   VARCHAR(40) NOT NULL,
		token_count INT NOT NULL,
		INDEX idx_current_messages_session (session_id),
		FOREIGN KEY (session_id) REFERENCES conversation_sessions(session_id) ON DELETE CASCADE
	) CHARACTER SET utf8mb4`,
	},
	upsertSession: `INSERT INTO conversation_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			created_at = VALUES(created_at),
			last_activity = VALUES(last_activity),
			total_messages = VALUES(total_messages),
			total_chunks = VALUES(total_chunks),
			current_messages_count = VALUES(current_messages_count),
			estimated_total_tokens = VALUES(estimated_total_tokens)`,
	columnExists: `SELECT COUNT(*) FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?`,
	// Also valid for TIMESTAMP columns created by the earlier service.
	timeLayout: "2006-01-02 15:04:05.000000",
	intType:    "INT",
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite, "":
		return sqliteDialect, nil
	case DriverMySQL:
		return mysqlDialect, nil
	default:
		return dialect{}, fmt.Errorf("unknown sql driver %q", driver)
	}
}

// dsn builds the data source name for cfg.Driver.
func (cfg SQLConfig) dsn() (string, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		if cfg.Path == "" {
			return "", fmt.Errorf("sqlite: path is required")
		}
		return cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil

	case DriverMySQL:
		tlsConfig, err := mysqlTLS(cfg.SSLMode)
		if err != nil {
			return "", err
		}
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
		mc.DBName = cfg.Database
		mc.TLSConfig = tlsConfig
		mc.Timeout = 30 * time.Second
		return mc.FormatDSN(), nil

	default:
		return "", fmt.Errorf("unknown sql driver %q", cfg.Driver)
	}
}

// mysqlTLS maps a MySQL ssl-mode name onto the driver's tls parameter.
func mysqlTLS(mode string) (string, error) {
	switch strings.ToUpper(mode) {
	case "", "REQUIRED":
		return "skip-verify", nil
	case "PREFERRED":
		return "preferred", nil
	case "DISABLED":
		return "false", nil
	case "VERIFY_CA", "VERIFY_IDENTITY":
		return "true", nil
	default:
		return "", fmt.Errorf("unknown mysql ssl mode %q", mode)
	}
}

// ValidSSLMode reports whether mode is an ssl mode the mysql driver accepts.
func ValidSSLMode(mode string) bool {
	_, err := mysqlTLS(mode)
	return err == nil
}
