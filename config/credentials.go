package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Standardziel der Scan-Dokumente.
const (
	DefaultSchema = "xdat_search"
	DefaultTable  = "nifti_json"
)

// Credentials beschreibt die Datenbank-Zugangsdaten aus der JSON-Datei.
type Credentials struct {
	Database   string      `json:"database"`
	User       string      `json:"user"`
	Password   string      `json:"password"`
	Host       string      `json:"host"`
	Port       json.Number `json:"port"`
	Schema     string      `json:"schema,omitempty"`
	Table      string      `json:"table,omitempty"`
	SSLMode    string      `json:"sslmode,omitempty"`
	GSSEncMode string      `json:"gssencmode,omitempty"`
}

// LoadCredentials liest und validiert die Zugangsdaten.
func LoadCredentials(path string) (*Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", path, err)
	}
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("credentials %s: %w", path, err)
	}
	return &c, nil
}

func (c *Credentials) validate() error {
	var missing []string
	for name, v := range map[string]string{
		"database": c.Database,
		"user":     c.User,
		"host":     c.Host,
		"port":     c.Port.String(),
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	if _, err := c.Port.Int64(); err != nil {
		return fmt.Errorf("invalid port %q: %w", c.Port, err)
	}
	return nil
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Credentials) DSN() string {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s",
		dsnValue(c.Host), dsnValue(c.User), dsnValue(c.Password), dsnValue(c.Database), dsnValue(c.Port.String()))
	if c.SSLMode != "" {
		dsn += " sslmode=" + dsnValue(c.SSLMode)
	}
	if c.GSSEncMode != "" {
		dsn += " gssencmode=" + dsnValue(c.GSSEncMode)
	}
	return dsn
}

// dsnValue quotet Werte nach libpq-Regeln für Schlüssel/Wert-Strings.
func dsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n\r\v\f'\\") {
		return v
	}
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

// QualifiedTable liefert "schema.table" mit Vorgabewerten.
func (c *Credentials) QualifiedTable() string {
	schema, table := c.Schema, c.Table
	if schema == "" {
		schema = DefaultSchema
	}
	if table == "" {
		table = DefaultTable
	}
	return schema + "." + table
}
