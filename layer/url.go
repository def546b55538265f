package layer

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/atlasdatatech/tilelayer/tile"
)

var (
	xPattern     = regexp.MustCompile(`\$?\{[xX]\}`)
	yPattern     = regexp.MustCompile(`\$?\{[yY]\}`)
	flipYPattern = regexp.MustCompile(`\$?\{-[yY]\}`)
	zPattern     = regexp.MustCompile(`\$?\{[zZ]\}`)
	sPattern     = regexp.MustCompile(`\$?\{(s|S|[sS]:[^{}]+|[^-{}]-[^-{}]|(?:[^,{}]+,)+[^,{}]+)\}`)
)

// TemplateURL compiles a tile URL template. The placeholders {x}, {y}, {z}
// and {s} may use any case and a leading "$"; {-y} is the TMS row. The
// subdomain may be listed inline as {s:abc}, {a-c} or {a,b,c}; a plain {s}
// picks from subdomains. The subdomain of a tile is chosen by
// (x + y + z) mod n.
func TemplateURL(tmpl string, subdomains []string) (func(tile.Index) string, error) {
	if tmpl == "" {
		return nil, &ConfigError{Field: "url", Reason: "empty template"}
	}
	url := tmpl
	var subs []string
	if m := sPattern.FindStringSubmatchIndex(url); m != nil {
		spec := url[m[2]:m[3]]
		subs = parseSubdomains(spec, subdomains)
		if len(subs) == 0 {
			return nil, &ConfigError{Field: "subdomains", Reason: "template uses {s} without subdomains"}
		}
		url = url[:m[0]] + "{s}" + url[m[1]:]
	}
	url = flipYPattern.ReplaceAllLiteralString(url, "{-y}")
	url = xPattern.ReplaceAllLiteralString(url, "{x}")
	url = yPattern.ReplaceAllLiteralString(url, "{y}")
	url = zPattern.ReplaceAllLiteralString(url, "{z}")

	return func(idx tile.Index) string {
		pairs := []string{
			"{x}", strconv.Itoa(idx.X),
			"{y}", strconv.Itoa(idx.Y),
			"{-y}", strconv.Itoa(idx.FlipY()),
			"{z}", strconv.Itoa(idx.Level),
		}
		if len(subs) > 0 {
			pairs = append(pairs, "{s}", subs[tile.Modulo(idx.X+idx.Y+idx.Level, len(subs))])
		}
		return strings.NewReplacer(pairs...).Replace(url)
	}, nil
}

func parseSubdomains(spec string, fallback []string) []string {
	switch {
	case strings.Contains(spec, ","):
		return strings.Split(spec, ",")
	case len(spec) > 2 && (spec[0] == 's' || spec[0] == 'S') && spec[1] == ':':
		return strings.Split(spec[2:], "")
	case len(spec) == 3 && spec[1] == '-':
		var subs []string
		for c := rune(spec[0]); c <= rune(spec[2]); c++ {
			subs = append(subs, string(c))
		}
		return subs
	}
	return fallback
}
