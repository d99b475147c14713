package signing

import (
	"crypto/sha1"
	"encoding/base64"
	"hash/crc32"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	SharedCDN          = "res.cloudinary.com"
	oldAkamaiSharedCDN = "cloudinary-a.akamaihd.net"
	DefaultUploadHost  = "https://api.cloudinary.com"
)

type Config struct {
	CloudName          string `yaml:"cloud_name"`
	APIKey             string `yaml:"api_key"`
	APISecret          string `yaml:"api_secret"`
	Secure             bool   `yaml:"secure"`
	PrivateCDN         bool   `yaml:"private_cdn"`
	SecureDistribution string `yaml:"secure_distribution"`
	CName              string `yaml:"cname"`
	CDNSubdomain       bool   `yaml:"cdn_subdomain"`
	ShortenURL         bool   `yaml:"shorten"`
	UploadPrefix       string `yaml:"upload_prefix"`
}

// Asset describes a delivery URL to build.
type Asset struct {
	ResourceType   string
	DeliveryType   string
	Transformation string
	Version        string
	Source         string
	Format         string
	// SignURL adds the s--XXXXXXXX-- component derived from Config.APISecret.
	SignURL bool
}

var (
	urlPattern     = regexp.MustCompile(`^https?:/.*`)
	versionPattern = regexp.MustCompile(`^v[0-9]+.*`)
	slashes        = regexp.MustCompile(`([^:])/+`)
)

func isURL(s string) bool {
	return urlPattern.MatchString(s)
}

// BuildDeliveryURL composes the CDN URL of an uploaded asset.
func BuildDeliveryURL(cfg Config, a Asset) string {
	resourceType := a.ResourceType
	if resourceType == "" {
		resourceType = "image"
	}
	deliveryType := a.DeliveryType
	if deliveryType == "" {
		deliveryType = "upload"
	}
	source := a.Source
	format := a.Format
	transformation := a.Transformation

	if isURL(source) && (deliveryType == "upload" || deliveryType == "asset") {
		return source
	}

	if deliveryType == "fetch" && format != "" {
		transformation = foldFormat(transformation, format)
		format = ""
	}

	version := a.Version
	if strings.Contains(source, "/") && !versionPattern.MatchString(source) &&
		!isURL(source) && version == "" {
		version = "1"
	}
	if version != "" {
		version = "v" + version
	}

	encoded, toSign := finalizeSource(source, format)

	var signature string
	if a.SignURL {
		signature = urlSignature(transformation, toSign, cfg.APISecret)
	}

	prefix := deliveryPrefix(cfg, source)
	parts := []string{prefix, finalizeResourceType(cfg, resourceType, deliveryType), signature, transformation, version, encoded}

	return slashes.ReplaceAllString(join(parts), "$1/")
}

// UploadEndpoint is the API URL for an upload action, e.g. "upload".
func UploadEndpoint(cfg Config, resourceType, action string) string {
	prefix := cfg.UploadPrefix
	if prefix == "" {
		prefix = DefaultUploadHost
	}
	if resourceType == "" {
		resourceType = "auto"
	}
	if action == "" {
		action = "upload"
	}
	return strings.Join([]string{strings.TrimRight(prefix, "/"), "v1_1", cfg.CloudName, resourceType, action}, "/")
}

func join(parts []string) string {
	nonEmpty := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "/")
}

func finalizeSource(source, format string) (encoded, toSign string) {
	if isURL(source) {
		return SmartEscape(source), source
	}
	unescaped, err := url.QueryUnescape(strings.ReplaceAll(source, "+", "%2B"))
	if err != nil {
		unescaped = source
	}
	encoded = SmartEscape(unescaped)
	toSign = unescaped
	if format != "" {
		encoded += "." + format
		toSign += "." + format
	}
	return encoded, toSign
}

func finalizeResourceType(cfg Config, resourceType, deliveryType string) string {
	if cfg.ShortenURL && resourceType == "image" && deliveryType == "upload" {
		return "iu"
	}
	return resourceType + "/" + deliveryType
}

// deliveryPrefix selects scheme, host and cloud-name segment.
func deliveryPrefix(cfg Config, source string) string {
	sharedDomain := !cfg.PrivateCDN
	var prefix string

	switch {
	case cfg.Secure:
		dist := cfg.SecureDistribution
		if dist == "" || dist == oldAkamaiSharedCDN {
			if cfg.PrivateCDN {
				dist = cfg.CloudName + "-res.cloudinary.com"
			} else {
				dist = SharedCDN
			}
		}
		if !sharedDomain {
			sharedDomain = dist == SharedCDN
		}
		prefix = "https://" + dist
	default:
		host := SharedCDN
		switch {
		case cfg.CName != "":
			host = cfg.CName
		case cfg.PrivateCDN:
			host = cfg.CloudName + "-res.cloudinary.com"
		}
		subdomain := ""
		if cfg.CDNSubdomain && cfg.CName == "" {
			subdomain = "a" + strconv.Itoa(Shard(source)) + "."
		}
		prefix = "http://" + subdomain + host
	}

	if sharedDomain {
		prefix += "/" + cfg.CloudName
	}
	return prefix
}

// Shard maps source to a stable subdomain index in 1..5.
func Shard(source string) int {
	c := int64(int32(crc32.ChecksumIEEE([]byte(source))))
	return int(((c%5)+5)%5 + 1)
}

// SmartEscape percent-encodes s while keeping "/" and ":" readable.
func SmartEscape(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "%2F", "/")
	e = strings.ReplaceAll(e, "%3A", ":")
	return strings.ReplaceAll(e, "+", "%20")
}

func urlSignature(transformation, source, secret string) string {
	toSign := strings.TrimPrefix(join([]string{transformation, source}), "/")
	h := sha1.Sum([]byte(toSign + secret))
	return "s--" + base64.RawURLEncoding.EncodeToString(h[:])[:8] + "--"
}

// foldFormat adds f_<format> to the last transformation component, keeping
// its comma-separated parameters sorted.
func foldFormat(transformation, format string) string {
	param := "f_" + format
	if transformation == "" {
		return param
	}
	idx := strings.LastIndex(transformation, "/")
	head, last := transformation[:idx+1], transformation[idx+1:]
	params := []string{param}
	if last != "" {
		params = append(strings.Split(last, ","), param)
	}
	sort.Strings(params)
	return head + strings.Join(params, ",")
}
