package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultCountryEndpoints answer with the caller's ISO country code, either
// as plain text or as a JSON object with a countryCode field.
var DefaultCountryEndpoints = []string{
	"https://ipinfo.io/country",
	"http://ip-api.com/json/?fields=countryCode",
}

// maxCountryBody bounds a geolocation response.
const maxCountryBody = 4 << 10

// Country asks each endpoint in turn for the caller's country and returns
// the first upper-case code any of them reports. Each request is bounded by
// the fetcher's timeout and is not retried.
func (f *Fetcher) Country(ctx context.Context, endpoints []string) (string, error) {
	if len(endpoints) == 0 {
		endpoints = DefaultCountryEndpoints
	}
	var errs []error
	for _, url := range endpoints {
		code, err := f.country(ctx, url)
		if err == nil {
			return code, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		f.log.Debug("country lookup failed", "endpoint", url, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", url, err))
	}
	return "", fmt.Errorf("country lookup: %w", errors.Join(errs...))
}

func (f *Fetcher) country(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.do(ctx, url, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return "", err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCountryBody))
	if err != nil {
		return "", err
	}
	return parseCountry(body)
}

func parseCountry(body []byte) (string, error) {
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var v struct {
			CountryCode string `json:"countryCode"`
			Country     string `json:"country"`
		}
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return "", fmt.Errorf("decode country response: %w", err)
		}
		text = v.CountryCode
		if text == "" {
			text = v.Country
		}
	}
	code := strings.ToUpper(strings.TrimSpace(text))
	if len(code) != 2 || strings.IndexFunc(code, func(r rune) bool { return r < 'A' || r > 'Z' }) >= 0 {
		return "", fmt.Errorf("unexpected country response %q", text)
	}
	return code, nil
}
