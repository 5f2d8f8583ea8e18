package utils

import (
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"
)

const unknownLocation = "Unknown"

type GeoLocation struct {
	Country string
	City    string
}

type GeoResolver struct {
	db    *geoip2.Reader
	cache sync.Map // map[string]GeoLocation
}

// NewGeoResolver opens the GeoLite2 City database at dbPath. A missing or
// unreadable database is not an error: every lookup then reports Unknown.
func NewGeoResolver(dbPath string, logger *zap.Logger) *GeoResolver {
	g := &GeoResolver{}
	if dbPath == "" {
		return g
	}

	db, err := geoip2.Open(dbPath)
	if err != nil {
		logger.Warn("could not open GeoIP database, peer locations disabled",
			zap.String("path", dbPath), zap.Error(err))
		return g
	}
	g.db = db
	return g
}

func (g *GeoResolver) Close() {
	if g != nil && g.db != nil {
		g.db.Close()
	}
}

// Lookup is safe to call even if GeoResolver is nil or has no database.
// addr may carry a port.
func (g *GeoResolver) Lookup(addr string) GeoLocation {
	unknown := GeoLocation{Country: unknownLocation, City: unknownLocation}
	if g == nil {
		return unknown
	}

	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	if val, ok := g.cache.Load(host); ok {
		return val.(GeoLocation)
	}

	loc := unknown
	if g.db != nil {
		if ip := net.ParseIP(host); ip != nil {
			if record, err := g.db.City(ip); err == nil {
				if name := record.Country.Names["en"]; name != "" {
					loc.Country = name
				}
				if name := record.City.Names["en"]; name != "" {
					loc.City = name
				}
			}
		}
	}

	g.cache.Store(host, loc)
	return loc
}
