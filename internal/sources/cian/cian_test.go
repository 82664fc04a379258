package cian

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-engine/internal/config"
	"listing-engine/internal/fetcher"
	"listing-engine/internal/models"
	"listing-engine/internal/pagination"
	"listing-engine/internal/sources"
)

func card(id int, deal, subtitle, price string, geo ...string) string {
	var b strings.Builder
	b.WriteString(`<article data-name="CardComponent"><div data-name="LinkArea">`)
	fmt.Fprintf(&b, `<a href="https://www.cian.ru/%s/flat/%d/">`, deal, id)
	b.WriteString(`<span data-mark="OfferTitle">Уютная квартира у парка</span>`)
	fmt.Fprintf(&b, `<span data-mark="OfferSubtitle">%s</span></a>`, subtitle)
	fmt.Fprintf(&b, `<span data-mark="MainPrice"><span>%s</span></span>`, price)
	for _, g := range geo {
		fmt.Fprintf(&b, `<a data-name="GeoLabel" href="#">%s</a>`, g)
	}
	b.WriteString(`</div></article>`)
	return b.String()
}

func searchPage(cards []string, pagination string) string {
	return `<html><body><div data-name="HeaderDefault">header</div><div data-name="Offers">` +
		strings.Join(cards, "") + `</div>` + pagination + `</body></html>`
}

const (
	navWithNext = `<nav data-name="Pagination"><button data-name="PaginationButton" disabled><span>Назад</span></button>` +
		`<a href="?p=2">2</a><button data-name="PaginationButton"><span>Дальше</span></button></nav>`
	navLast = `<nav data-name="Pagination"><button data-name="PaginationButton"><span>Назад</span></button>` +
		`<button data-name="PaginationButton" disabled><span>Дальше</span></button></nav>`
)

func TestListParser_ParsesCards(t *testing.T) {
	body := searchPage([]string{
		card(101, "sale", "2-комн. кв., 54,5 м², 5/12 этаж", "12 500 000 ₽", "Москва", "ЦАО", "р-н Арбат", "м. Смоленская", "ул. Арбат", "10"),
		card(102, "sale", "Студия, 22 м², 2/9 этаж", "6 900 000 ₽", "Москва", "р-н Хамовники"),
		card(103, "sale", "Свободная планировка", "9 000 000 ₽"),
	}, navWithNext)

	p := &ListParser{City: "Москва", DealType: models.DealTypeSale}
	page, err := p.ParsePage([]byte(body))
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.True(t, page.HasNext)

	first := page.Items[0]
	assert.Equal(t, "101", first.ID)
	assert.Equal(t, 12500000.0, first.Price)
	assert.Equal(t, 54.5, first.Listing.TotalMeters)
	assert.Equal(t, "Москва, р-н Арбат, ул. Арбат", first.Listing.Location)
	require.NotNil(t, first.Listing.Floor)
	assert.Equal(t, "5/12", *first.Listing.Floor)
	require.NotNil(t, first.Listing.RoomsCount)
	assert.Equal(t, 2, *first.Listing.RoomsCount)
	assert.Equal(t, models.SourceCian, first.Listing.Source)
	assert.Equal(t, "https://www.cian.ru/sale/flat/101/", first.Listing.URL)

	studio := page.Items[1]
	assert.Equal(t, "Москва, р-н Хамовники, ул. неизвестно", studio.Listing.Location)
	assert.Equal(t, models.HomeTypeStudio, studio.Listing.HomeType)

	assert.False(t, page.Items[2].Listing.HasArea())
}

func TestListParser_LastPageMarkers(t *testing.T) {
	p := &ListParser{DealType: models.DealTypeRent}

	page, err := p.ParsePage([]byte(searchPage([]string{card(1, "rent", "1-комн. кв., 30 м², 1/5 этаж", "50 000 ₽/мес.")}, navLast)))
	require.NoError(t, err)
	assert.False(t, page.HasNext)
	assert.Equal(t, 50000.0, page.Items[0].Price)

	page, err = p.ParsePage([]byte(searchPage(nil, "")))
	require.NoError(t, err)
	assert.False(t, page.HasNext, "no pagination block means a single page")
}

func TestListParser_BlockedAndMissing(t *testing.T) {
	p := &ListParser{}

	_, err := p.ParsePage([]byte(`<html><body><h1>Captcha</h1><p>Подтвердите, что вы не робот</p></body></html>`))
	assert.ErrorIs(t, err, ErrCaptcha)

	_, err = p.ParsePage([]byte(`<html><body><div data-name="Offers"></div></body></html>`))
	assert.ErrorIs(t, err, pagination.ErrMissingPayload)
}

func TestAdapter_ListURL(t *testing.T) {
	a := New(config.DefaultConfig().Sources.Cian, sources.Deps{})

	u, err := url.Parse(a.ListURL(models.DealTypeRent, 2))
	require.NoError(t, err)
	assert.Equal(t, "/cat.php", u.Path)
	q := u.Query()
	assert.Equal(t, "rent", q.Get("deal_type"))
	assert.Equal(t, "4", q.Get("type"))
	assert.Equal(t, "flat", q.Get("offer_type"))
	assert.Equal(t, "1", q.Get("region"))
	assert.Equal(t, "1", q.Get("room1"))
	assert.Equal(t, "1", q.Get("room6"))
	assert.Equal(t, "1", q.Get("room9"))
	assert.Equal(t, "1", q.Get("is_by_homeowner"))
	assert.Equal(t, "3600", q.Get("totime"))
	assert.Equal(t, "2", q.Get("p"))

	sale, err := url.Parse(a.ListURL(models.DealTypeSale, 1))
	require.NoError(t, err)
	assert.Empty(t, sale.Query().Get("type"))
	assert.Equal(t, 10, a.EnrichCap())
}

type stubFetcher struct {
	bodies map[string]string
}

func (s *stubFetcher) Fetch(ctx context.Context, url string, p fetcher.Policy) fetcher.Result {
	body, ok := s.bodies[url]
	if !ok {
		return fetcher.Result{Outcome: fetcher.OutcomeExhausted, Attempts: 1, LastFailure: fetcher.ClassRateLimited}
	}
	return fetcher.Result{Outcome: fetcher.OutcomeSuccess, Attempts: 1, Body: []byte(body)}
}

func TestAdapter_RentFailureKeepsSale(t *testing.T) {
	cfg := config.DefaultConfig().Sources.Cian
	a := New(cfg, sources.Deps{})
	a.deps.Fetcher = &stubFetcher{bodies: map[string]string{
		a.ListURL(models.DealTypeSale, 1): searchPage([]string{
			card(1, "sale", "1-комн. кв., 30 м², 1/5 этаж", "7 000 000 ₽"),
			card(2, "sale", "2-комн. кв., 45 м², 2/5 этаж", "9 000 000 ₽"),
		}, navWithNext),
		a.ListURL(models.DealTypeSale, 2): searchPage([]string{
			card(2, "sale", "2-комн. кв., 45 м², 2/5 этаж", "9 000 000 ₽"),
			card(3, "sale", "3-комн. кв., 70 м², 3/5 этаж", "15 000 000 ₽"),
		}, navLast),
		// rent page is never obtainable
	}}

	listings, err := a.FetchBasicListings(context.Background())
	require.NoError(t, err)
	assert.Len(t, listings, 3)
}

func TestParseDetail(t *testing.T) {
	body := `<html><body><div data-name="GalleryInnerComponent"><img src="https://images.cdn-cian.ru/images/1-1.jpg">` +
		`<img src="https://images.cdn-cian.ru/images/2-1.jpg"></div><a>+7 916 555-11-22</a></body></html>`
	d, err := ParseDetail([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "+7 916 555-11-22", d.Phone)
	assert.Len(t, d.Images, 2)

	d, err = ParseDetail([]byte(`<script>{"photos":["https://images.cdn-cian.ru/images/9-2.jpg"]}</script>`))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://images.cdn-cian.ru/images/9-2.jpg"}, d.Images)
	assert.Empty(t, d.Phone)
}
