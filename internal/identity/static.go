package identity

import (
	"context"
	"errors"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"airsquawk/internal/adsb"
	"airsquawk/internal/source"
)

// StaticFetcher fetches one prefix file of the static aircraft database.
type StaticFetcher interface {
	StaticPrefix(ctx context.Context, prefix string) (map[string]adsb.StaticEntry, error)
}

// staticPrefixLengths are tried longest first.
var staticPrefixLengths = []int{3, 2, 1}

// StaticDB looks hex addresses up in the receiver's static database. Prefix
// files are memoised, including files the server does not have.
type StaticDB struct {
	src   StaticFetcher
	files *lru.Cache[string, map[string]adsb.StaticEntry]
}

// NewStaticDB returns a lookup over src keeping up to size prefix files.
func NewStaticDB(src StaticFetcher, size int) (*StaticDB, error) {
	if size <= 0 {
		size = 512
	}
	files, err := lru.New[string, map[string]adsb.StaticEntry](size)
	if err != nil {
		return nil, err
	}
	return &StaticDB{src: src, files: files}, nil
}

// Lookup returns the identity the static database has for hex. A hex that
// is in no file resolves to the zero Identity with a nil error.
func (s *StaticDB) Lookup(ctx context.Context, hex string) (Identity, error) {
	hex = strings.ToUpper(hex)

	var firstErr error
	for _, n := range staticPrefixLengths {
		if len(hex) <= n {
			continue
		}
		file, err := s.file(ctx, hex[:n])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		suffix := hex[n:]
		e, ok := file[suffix]
		if !ok {
			e, ok = file[strings.ToLower(suffix)]
		}
		if ok {
			return newIdentity(e.Registration, e.Type), nil
		}
	}
	return Identity{}, firstErr
}

// Prefix returns one prefix file.
func (s *StaticDB) Prefix(ctx context.Context, prefix string) (map[string]adsb.StaticEntry, error) {
	return s.file(ctx, strings.ToUpper(prefix))
}

func (s *StaticDB) file(ctx context.Context, prefix string) (map[string]adsb.StaticEntry, error) {
	if f, ok := s.files.Get(prefix); ok {
		return f, nil
	}
	f, err := s.src.StaticPrefix(ctx, prefix)
	if err != nil {
		if !errors.Is(err, source.ErrNotFound) {
			return nil, err
		}
		f = map[string]adsb.StaticEntry{}
	}
	s.files.Add(prefix, f)
	return f, nil
}
