package session

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP provides country lookups from a MaxMind GeoIP2 database. The
// service is optional enrichment: when the database path is empty it runs
// disabled, Lookup returns an error and LookupSafe returns empty strings.
// A configured database that cannot be opened makes NewGeoIP return an
// error.
type GeoIP struct {
	db      *geoip2.Reader
	mu      sync.RWMutex
	enabled bool
}

// NewGeoIP opens dbPath. An empty path returns a disabled service rather
// than an error, so the feature can be switched off by omission.
func NewGeoIP(dbPath string) (*GeoIP, error) {
	if dbPath == "" {
		log.Println("geoip: database path not configured, service disabled")
		return &GeoIP{enabled: false}, nil
	}

	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database at %s: %w", dbPath, err)
	}

	log.Printf("geoip: service initialized (database: %s)", dbPath)
	return &GeoIP{db: db, enabled: true}, nil
}

// IsEnabled returns whether lookups are available.
func (g *GeoIP) IsEnabled() bool { return g.enabled }

// Lookup returns the country name and ISO code for an IP address.
func (g *GeoIP) Lookup(ipStr string) (country, countryCode string, err error) {
	if !g.enabled {
		return "", "", fmt.Errorf("geoip service not enabled")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", "", fmt.Errorf("invalid IP address: %s", ipStr)
	}

	record, err := g.db.Country(ip)
	if err != nil {
		return "", "", fmt.Errorf("country lookup failed for %s: %w", ipStr, err)
	}

	countryCode = record.Country.IsoCode
	if name, ok := record.Country.Names["en"]; ok && name != "" {
		country = name
	} else {
		country = countryCode
	}
	return country, countryCode, nil
}

// LookupSafe performs a lookup and returns empty strings on any error, for
// non-critical enrichment where failures should be silent.
func (g *GeoIP) LookupSafe(ipStr string) (country, countryCode string) {
	if !g.enabled || ipStr == "" {
		return "", ""
	}
	country, countryCode, err := g.Lookup(ipStr)
	if err != nil {
		return "", ""
	}
	return country, countryCode
}

// Close closes the underlying database.
func (g *GeoIP) Close() error {
	if g.db != nil {
		return g.db.Close()
	}
	return nil
}
