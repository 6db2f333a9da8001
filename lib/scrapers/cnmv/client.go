// Package cnmv scrapes the CNMV's short position consulta: the
// supervisor's server-rendered pages disclosing who holds short
// positions against Spanish issuers, at what weight, since when.
package cnmv

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dataharvest/lib/restyutil"
	"dataharvest/lib/shorts"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const DefaultBaseUrl = "https://www.cnmv.es"

const shortPositionsPath = "/Portal/Consultas/EE/PosicionesCortas.aspx"

// the portal reports most failure modes as prose inside a 200 page
// rather than as http statuses
const (
	portalFailureMarker  = "No ha sido posible completar su consulta"
	noDataMarker         = "No se han encontrado datos disponibles"
	historicSeriesMarker = "Serie histórica"
)

// consulta pages about a known issuer echo its ISIN in the body
var isinEchoRegex = regexp.MustCompile(`ES\d{10}`)

// the nif query parameter is required to address the consulta
var MissingNIF = fmt.Errorf("the company has no NIF to query the consulta with")

type ClientOptions struct {
	// defaults to DefaultBaseUrl
	BaseUrl string
	// per-attempt timeout, defaults to 30 seconds
	Timeout time.Duration
	// retries on top of the first attempt, defaults to 3
	MaxRetries int
	// base wait of the exponential retry backoff, defaults to 1s
	// (grows up to 8x)
	RetryWaitTime time.Duration
	// defaults to 2; shared by every harvest running on this client
	RequestsPerSecond float64
	// upper bound on series pages walked per issuer, defaults to 30
	MaxPages int
	// fraction of rows allowed to fail normalization before the
	// harvest is treated as structural drift, defaults to 0.5
	RowErrorLimit float64
	// optional transcript sink for debugging live scrape sessions
	InstrumentOutput restyutil.InstrumentOutput
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.BaseUrl == "" {
		o.BaseUrl = DefaultBaseUrl
	}
	if o.Timeout == 0 {
		o.Timeout = time.Second * 30
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryWaitTime == 0 {
		o.RetryWaitTime = time.Second
	}
	if o.RequestsPerSecond == 0 {
		o.RequestsPerSecond = 2
	}
	if o.MaxPages == 0 {
		o.MaxPages = 30
	}
	if o.RowErrorLimit == 0 {
		o.RowErrorLimit = 0.5
	}
	return o
}

// Client implements shorts.Provider against the CNMV portal. One
// client owns one connection pool and one rate limiter; issuer
// harvests running concurrently on it queue for permits instead of
// dropping requests.
type Client struct {
	baseUrl *url.URL
	http    *resty.Client
	options ClientOptions
}

func NewClient(options ClientOptions) (*Client, error) {
	options = options.withDefaults()

	baseUrl, err := url.Parse(options.BaseUrl)
	if err != nil {
		return nil, err
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(options.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient.SetCookieJar(jar)
	httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)

	httpClient.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	httpClient.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))
	httpClient.SetTimeout(options.Timeout)

	httpClient.SetRetryCount(options.MaxRetries)
	httpClient.SetRetryWaitTime(options.RetryWaitTime)
	httpClient.SetRetryMaxWaitTime(options.RetryWaitTime * 8)
	httpClient.AddRetryCondition(func(res *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		// 4xx means the request itself is wrong, retrying won't help,
		// except when the portal is telling us to slow down
		return res.StatusCode() == http.StatusTooManyRequests || res.StatusCode() >= 500
	})

	// max burst >= rate just means that no requests will be dropped
	burst := int(options.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	rateLimiter := rate.NewLimiter(rate.Limit(options.RequestsPerSecond), burst)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	restyutil.InstrumentClient(httpClient, tracer, options.InstrumentOutput)

	return &Client{
		baseUrl: baseUrl,
		http:    httpClient,
		options: options,
	}, nil
}

type consultaPage struct {
	doc *goquery.Document
	// the portal positively reported that no data exists
	noData bool
	// the page advertises the historic series
	historic bool
}

func (c *Client) fetchPage(ctx context.Context, nif string, page int) (consultaPage, error) {
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"nif":    nif,
			"pagina": strconv.Itoa(page),
		}).
		Get(shortPositionsPath)

	requestUrl := c.baseUrl.JoinPath(shortPositionsPath).String()
	attempts := 1
	if res != nil && res.Request != nil && res.Request.Attempt > 0 {
		attempts = res.Request.Attempt
	}
	if err != nil {
		return consultaPage{}, shorts.FetchError{URL: requestUrl, Attempts: attempts, Err: err}
	}
	if res.IsError() {
		return consultaPage{}, shorts.FetchError{
			URL:      requestUrl,
			Attempts: attempts,
			Status:   res.StatusCode(),
			Err:      fmt.Errorf("unexpected status %s", res.Status()),
		}
	}

	body := res.String()
	if strings.Contains(body, portalFailureMarker) {
		return consultaPage{}, shorts.FetchError{
			URL:      requestUrl,
			Attempts: attempts,
			Status:   res.StatusCode(),
			Err:      fmt.Errorf("the portal reported a failure serving the consulta"),
		}
	}
	if strings.Contains(body, noDataMarker) {
		// a page about a known issuer echoes its ISIN or at least
		// advertises the historic series; a bare no-data page means
		// the portal has never heard of the nif
		known := isinEchoRegex.MatchString(body) ||
			strings.Contains(body, historicSeriesMarker)
		if !known {
			return consultaPage{}, shorts.UnknownCompany
		}
		return consultaPage{noData: true}, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return consultaPage{}, fmt.Errorf("parse html: %w", err)
	}
	return consultaPage{
		doc:      doc,
		historic: strings.Contains(body, historicSeriesMarker),
	}, nil
}
