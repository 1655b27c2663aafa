package resolver

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/italolelis/recitation_downloader/internal/storage"
)

// Known upstream sources.
const (
	SourceEveryAyah    = "everyayah"
	SourceMP3Quran     = "mp3quran"
	SourceQuranicAudio = "quranicaudio"
	SourceQuranCom     = "qurancom"
)

const defaultMP3QuranServer = 8

var (
	ErrMissingBaseURL  = errors.New("item has no base url")
	ErrNoFragments     = errors.New("fragmented item has no fragment count")
	serverNumberRegexp = regexp.MustCompile(`server(\d+)`)
)

// bitrates in kbps per quality tier.
var bitrates = map[storage.Quality]int64{
	storage.QualityLow:    32,
	storage.QualityMedium: 64,
	storage.QualityHigh:   128,
}

// Resolver maps an item and quality to fetchable urls for the known sources.
type Resolver struct{}

func New() *Resolver {
	return &Resolver{}
}

// IsFragmented reports whether the source serves one file per verse.
func (r *Resolver) IsFragmented(sourceID string) bool {
	return sourceID == SourceEveryAyah || sourceID == SourceQuranCom
}

// ResolveURL returns the url of the whole chapter file.
func (r *Resolver) ResolveURL(item storage.Item, _ storage.Quality) (string, error) {
	if item.BaseURL == "" {
		return "", ErrMissingBaseURL
	}

	code := reciterCode(item.BaseURL)
	chapter := pad(item.ItemID)

	switch item.SourceID {
	case SourceEveryAyah:
		return fmt.Sprintf("https://everyayah.com/data/%s/%s001.mp3", code, chapter), nil
	case SourceQuranCom:
		return fmt.Sprintf("https://verses.quran.com/%s/%s001.mp3", code, chapter), nil
	case SourceMP3Quran:
		return fmt.Sprintf("https://server%d.mp3quran.net/%s/%s.mp3", serverNumber(item.BaseURL), code, chapter), nil
	case SourceQuranicAudio:
		return fmt.Sprintf("https://download.quranicaudio.com/quran/%s/%s.mp3", code, chapter), nil
	default:
		return fmt.Sprintf("%s/%s.mp3", strings.TrimSuffix(item.BaseURL, "/"), chapter), nil
	}
}

// ResolveFragmentURLs returns one url per verse, in order.
func (r *Resolver) ResolveFragmentURLs(item storage.Item) ([]string, error) {
	if item.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}

	if !r.IsFragmented(item.SourceID) {
		u, err := r.ResolveURL(item, storage.QualityMedium)
		if err != nil {
			return nil, err
		}

		return []string{u}, nil
	}

	if item.FragmentCount <= 0 {
		return nil, ErrNoFragments
	}

	host := "https://everyayah.com/data"
	if item.SourceID == SourceQuranCom {
		host = "https://verses.quran.com"
	}

	code := reciterCode(item.BaseURL)
	chapter := pad(item.ItemID)
	urls := make([]string, 0, item.FragmentCount)

	for verse := 1; verse <= item.FragmentCount; verse++ {
		urls = append(urls, fmt.Sprintf("%s/%s/%s%s.mp3", host, code, chapter, pad(verse)))
	}

	return urls, nil
}

// EstimateFileSize approximates the size in bytes from the duration and the
// tier bitrate. Unknown durations estimate to 0.
func (r *Resolver) EstimateFileSize(durationSeconds int, quality storage.Quality) int64 {
	if durationSeconds <= 0 {
		return 0
	}

	kbps, ok := bitrates[quality]
	if !ok {
		kbps = bitrates[storage.QualityMedium]
	}

	return kbps * 1000 / 8 * int64(durationSeconds)
}

func reciterCode(baseURL string) string {
	trimmed := strings.TrimSuffix(baseURL, "/")

	return trimmed[strings.LastIndex(trimmed, "/")+1:]
}

func serverNumber(baseURL string) int {
	m := serverNumberRegexp.FindStringSubmatch(baseURL)
	if m == nil {
		return defaultMP3QuranServer
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return defaultMP3QuranServer
	}

	return n
}

func pad(n int) string {
	return fmt.Sprintf("%03d", n)
}
