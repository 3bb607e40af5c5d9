// Package geoip resolves panel hosts to an entry IP and its country.
package geoip

import (
	"context"
	"fmt"
	"net"

	"alamor/internal/logger"

	"github.com/oschwald/geoip2-golang"
)

type Location struct {
	IP      string
	ISP     string
	Country string
}

// Resolver is safe for concurrent use; missing databases only blank the
// fields they would have filled.
type Resolver struct {
	asn     *geoip2.Reader
	country *geoip2.Reader

	lookupHost func(ctx context.Context, host string) ([]string, error)
}

// Open loads the MMDB files. Empty paths are skipped; unreadable files are
// logged and skipped so a server without GeoLite data still syncs.
func Open(asnPath, countryPath string) *Resolver {
	r := &Resolver{lookupHost: net.DefaultResolver.LookupHost}
	if asnPath != "" {
		reader, err := geoip2.Open(asnPath)
		if err != nil {
			logger.Log.Warnf("Failed to open ASN DB at %s: %v. ISP data will be missing.", asnPath, err)
		} else {
			r.asn = reader
		}
	}
	if countryPath != "" {
		reader, err := geoip2.Open(countryPath)
		if err != nil {
			logger.Log.Warnf("Failed to open Country DB at %s: %v. Country data will be missing.", countryPath, err)
		} else {
			r.country = reader
		}
	}
	return r
}

// Locate resolves host (an IP literal or a name) and looks the first address up.
func (r *Resolver) Locate(ctx context.Context, host string) (*Location, error) {
	if host == "" {
		return nil, fmt.Errorf("empty host")
	}

	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := r.lookupHost(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
		}
		for _, a := range addrs {
			if ip = net.ParseIP(a); ip != nil {
				break
			}
		}
		if ip == nil {
			return nil, fmt.Errorf("no usable address for %s", host)
		}
	}

	loc := &Location{IP: ip.String()}
	if r.asn != nil {
		if asn, err := r.asn.ASN(ip); err == nil {
			loc.ISP = asn.AutonomousSystemOrganization
		}
	}
	if r.country != nil {
		if c, err := r.country.Country(ip); err == nil {
			loc.Country = c.Country.IsoCode
		}
	}
	return loc, nil
}

func (r *Resolver) Close() {
	if r.asn != nil {
		r.asn.Close()
	}
	if r.country != nil {
		r.country.Close()
	}
}
