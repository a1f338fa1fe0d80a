package config

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DSN returns a lib/pq connection string. ConnectionString wins when set;
// otherwise a postgres:// URL is built from the discrete fields.
func (d *DatabaseConfig) DSN() string {
	if dsn := strings.TrimSpace(d.ConnectionString); dsn != "" {
		return dsn
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Database,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else if d.User != "" {
		u.User = url.User(d.User)
	}

	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	if d.SSLRootCert != "" {
		q.Set("sslrootcert", d.SSLRootCert)
	}
	if d.ConnectionTimeout > 0 {
		// connect_timeout bounds one dial; the startup retry loop owns the total.
		seconds := int(min(d.ConnectionTimeout, 30*time.Second) / time.Second)
		q.Set("connect_timeout", strconv.Itoa(max(seconds, 1)))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// RedactedDSN returns DSN with any password masked, for logging.
func (d *DatabaseConfig) RedactedDSN() string {
	dsn := d.DSN()
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return redactKeywordDSN(dsn)
	}
	return u.Redacted()
}

func redactKeywordDSN(dsn string) string {
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(strings.ToLower(f), "password=") {
			fields[i] = "password=xxxxx"
		}
	}
	return strings.Join(fields, " ")
}
