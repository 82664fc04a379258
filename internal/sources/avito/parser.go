package avito

import (
	"bytes"
	"encoding/json"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"listing-engine/internal/models"
	"listing-engine/internal/pagination"
	"listing-engine/internal/sources"
	"listing-engine/internal/sources/extract"
)

// DefaultLocation is used when an offer carries no address
const DefaultLocation = "Москва"

// RentPostfix marks a monthly price
const RentPostfix = "в месяц"

// imageSizes in order of preference
var imageSizes = []string{"864x864", "636x636", "472x472"}

type catalog struct {
	Items []catalogItem `json:"items"`
}

type catalogItem struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	URLPath       string `json:"urlPath"`
	SortTimeStamp int64  `json:"sortTimeStamp"`
	PriceDetailed struct {
		Value   float64 `json:"value"`
		String  string  `json:"string"`
		Postfix string  `json:"postfix"`
	} `json:"priceDetailed"`
	Geo struct {
		FormattedAddress string `json:"formattedAddress"`
	} `json:"geo"`
	Images []map[string]string `json:"images"`
}

type payload struct {
	State *struct {
		Data struct {
			Catalog *catalog `json:"catalog"`
		} `json:"data"`
	} `json:"state"`
	Data *struct {
		Catalog *catalog `json:"catalog"`
	} `json:"data"`
}

func (p payload) catalog() *catalog {
	if p.State != nil && p.State.Data.Catalog != nil {
		return p.State.Data.Catalog
	}
	if p.Data != nil && p.Data.Catalog != nil {
		return p.Data.Catalog
	}
	return nil
}

// ListParser reads the catalog JSON Avito embeds in a non-rendering script tag
type ListParser struct {
	BaseURL  string
	DealType models.DealType
}

// ParsePage implements pagination.PageParser
func (p *ListParser) ParsePage(body []byte) (pagination.Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return pagination.Page{}, eris.Wrap(err, "avito: parse html")
	}

	cat := findCatalog(doc)
	if cat == nil {
		return pagination.Page{}, pagination.ErrMissingPayload
	}

	page := pagination.Page{HasNext: hasNextPage(doc)}
	for _, it := range cat.Items {
		page.Items = append(page.Items, p.toRawItem(it))
	}
	return page, nil
}

func findCatalog(doc *goquery.Document) *catalog {
	var found *catalog
	doc.Find(`script[type="mime/invalid"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var p payload
		if err := json.Unmarshal([]byte(html.UnescapeString(s.Text())), &p); err != nil {
			return true
		}
		if c := p.catalog(); c != nil {
			found = c
			return false
		}
		return true
	})
	return found
}

func hasNextPage(doc *goquery.Document) bool {
	next := doc.Find(`[data-marker="pagination"] [data-marker="pagination-button/nextPage"]`)
	if next.Length() == 0 {
		next = doc.Find(`[data-marker="pagination-button/nextPage"]`)
	}
	if next.Length() == 0 {
		return false
	}
	if _, disabled := next.Attr("disabled"); disabled {
		return false
	}
	return next.AttrOr("aria-disabled", "") != "true"
}

func (p *ListParser) toRawItem(it catalogItem) pagination.RawItem {
	raw := pagination.RawItem{}
	if it.ID > 0 {
		raw.ID = strconv.FormatInt(it.ID, 10)
	}
	if it.SortTimeStamp > 0 {
		raw.PublishedAt = time.UnixMilli(it.SortTimeStamp)
	}

	price := it.PriceDetailed.Value
	if price <= 0 {
		price = extract.CleanPrice(it.PriceDetailed.String)
	}
	raw.Price = price

	deal := p.DealType
	if strings.Contains(strings.ToLower(it.PriceDetailed.Postfix), RentPostfix) {
		deal = models.DealTypeRent
	}

	location := extract.Clean(it.Geo.FormattedAddress)
	if location == "" {
		location = DefaultLocation
	}

	// area and floor are often only in the description; rooms and type are in the title
	text := strings.TrimSpace(it.Title + " " + it.Description)
	l := models.Listing{
		DealType:   deal,
		Price:      price,
		Location:   location,
		Source:     models.SourceAvito,
		URL:        absoluteURL(p.BaseURL, it.URLPath),
		Floor:      extract.FloorPtr(extract.Floor(text)),
		RoomsCount: extract.Rooms(it.Title),
		HomeType:   extract.HomeType(it.Title),
	}
	if area, ok := extract.Area(text); ok {
		l.TotalMeters = area
	}
	l.SetImages(pickImages(it.Images))

	raw.Listing = l
	return raw
}

// pickImages takes the largest preferred size of every photo
func pickImages(images []map[string]string) []string {
	urls := make([]string, 0, len(images))
	for _, img := range images {
		for _, size := range imageSizes {
			if u := img[size]; u != "" {
				urls = append(urls, u)
				break
			}
		}
	}
	return sources.UniqueStrings(urls)
}

func absoluteURL(base, path string) string {
	if path == "" || strings.HasPrefix(path, "http") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// ParseDetail extracts the phone and gallery photos from an item page
func ParseDetail(body []byte) (sources.Detail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return sources.Detail{}, eris.Wrap(err, "avito: parse detail html")
	}

	var images []string
	doc.Find(`div[data-marker="image-gallery"] img, div[data-marker="image-gallery"] [data-url]`).Each(func(_ int, s *goquery.Selection) {
		if u := s.AttrOr("data-url", ""); u != "" {
			images = append(images, u)
			return
		}
		images = append(images, s.AttrOr("src", ""))
	})

	return sources.Detail{
		Phone:  extract.Phone(string(body)),
		Images: sources.UniqueStrings(images),
	}, nil
}
