package cian

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"listing-engine/internal/models"
	"listing-engine/internal/pagination"
	"listing-engine/internal/sources"
	"listing-engine/internal/sources/extract"
)

// ErrCaptcha means Cian served its captcha page instead of offers
var ErrCaptcha = eris.New("cian: captcha page")

// Unknown fills location parts Cian did not provide
const Unknown = "неизвестно"

var (
	offerIDRe  = regexp.MustCompile(`/(?:sale|rent)/flat/(\d+)`)
	imageURLRe = regexp.MustCompile(`https://images\.cdn-cian\.ru/images/[A-Za-z0-9_\-./]+\.(?:jpg|jpeg|png|webp)`)

	streetPrefixes = []string{"ул.", "улица", "пер.", "просп.", "проспект", "бул.", "бульвар", "ш.", "шоссе", "наб.", "пл.", "проезд", "туп."}
)

// ListParser reads offer cards from a Cian search page
type ListParser struct {
	City     string
	DealType models.DealType
}

// ParsePage implements pagination.PageParser
func (p *ListParser) ParsePage(body []byte) (pagination.Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return pagination.Page{}, eris.Wrap(err, "cian: parse html")
	}

	if strings.Contains(doc.Text(), "Captcha") {
		return pagination.Page{}, ErrCaptcha
	}
	if doc.Find(`div[data-name="HeaderDefault"]`).Length() == 0 {
		return pagination.Page{}, pagination.ErrMissingPayload
	}

	var page pagination.Page
	doc.Find(`article[data-name="CardComponent"]`).Each(func(_ int, s *goquery.Selection) {
		page.Items = append(page.Items, p.parseOffer(s))
	})
	page.HasNext = !isLastPage(doc)
	return page, nil
}

// isLastPage: no pagination block or a disabled "Дальше" button
func isLastPage(doc *goquery.Document) bool {
	if doc.Find(`nav[data-name="Pagination"]`).Length() == 0 {
		return true
	}
	last := false
	doc.Find(`button[data-name="PaginationButton"][disabled]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(strings.ToLower(s.Text()), "дальше") {
			last = true
			return false
		}
		return true
	})
	return last
}

func (p *ListParser) parseOffer(s *goquery.Selection) pagination.RawItem {
	href := s.Find(`div[data-name="LinkArea"] a`).First().AttrOr("href", "")
	if href == "" {
		href = s.Find("a").First().AttrOr("href", "")
	}

	title := extract.Clean(s.Find(`[data-mark="OfferTitle"]`).Text())
	subtitle := extract.Clean(s.Find(`[data-mark="OfferSubtitle"]`).Text())
	text := strings.TrimSpace(title + " " + subtitle)

	price := extract.CleanPrice(s.Find(`[data-mark="MainPrice"]`).First().Text())

	var labels []string
	s.Find(`a[data-name="GeoLabel"]`).Each(func(_ int, g *goquery.Selection) {
		labels = append(labels, extract.Clean(g.Text()))
	})

	l := models.Listing{
		DealType:   p.DealType,
		Price:      price,
		Location:   p.location(labels),
		Source:     models.SourceCian,
		URL:        href,
		Floor:      extract.FloorPtr(extract.Floor(text)),
		RoomsCount: extract.Rooms(text),
		HomeType:   extract.HomeType(text),
	}
	if area, ok := extract.Area(text); ok {
		l.TotalMeters = area
	}

	return pagination.RawItem{
		ID:      offerID(href),
		Price:   price,
		Listing: l,
	}
}

// location renders "city, р-н district, ул. street"
func (p *ListParser) location(labels []string) string {
	district, street := Unknown, Unknown
	for _, label := range labels {
		switch {
		case strings.HasPrefix(label, "р-н "):
			district = strings.TrimSpace(strings.TrimPrefix(label, "р-н "))
		case street == Unknown && isStreet(label):
			street = strings.TrimSpace(strings.TrimPrefix(label, "ул. "))
		}
	}
	city := p.City
	if city == "" {
		city = "Москва"
	}
	return city + ", р-н " + district + ", ул. " + street
}

func isStreet(label string) bool {
	lower := strings.ToLower(label)
	for _, prefix := range streetPrefixes {
		if strings.HasPrefix(lower, prefix) || strings.HasSuffix(lower, " "+prefix) {
			return true
		}
	}
	return false
}

func offerID(href string) string {
	m := offerIDRe.FindStringSubmatch(href)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// ParseDetail extracts the phone and gallery photos from an offer page
func ParseDetail(body []byte) (sources.Detail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return sources.Detail{}, eris.Wrap(err, "cian: parse detail html")
	}

	var images []string
	doc.Find(`[data-name="GalleryInnerComponent"] img`).Each(func(_ int, s *goquery.Selection) {
		images = append(images, s.AttrOr("src", ""))
	})
	if len(images) == 0 {
		images = imageURLRe.FindAllString(string(body), -1)
	}

	return sources.Detail{
		Phone:  extract.Phone(string(body)),
		Images: sources.UniqueStrings(images),
	}, nil
}
