package cachekey

import (
	"net/url"
	"regexp"
	"strings"
)

// Category classifies a cached URL by its permalink shape.
type Category string

// Entry categories.
const (
	CategoryPost           Category = "POST"
	CategoryPage           Category = "PAGE"
	CategoryTag            Category = "TAG"
	CategoryCategory       Category = "CATEGORY"
	CategoryAuthor         Category = "AUTHOR"
	CategoryDailyArchive   Category = "DAILY_ARCHIVE"
	CategoryMonthlyArchive Category = "MONTHLY_ARCHIVE"
	CategoryYearlyArchive  Category = "YEARLY_ARCHIVE"
	CategoryDateArchive    Category = "DATE_ARCHIVE"
	CategoryProduct        Category = "PRODUCT"
	CategoryOther          Category = "OTHER"
)

// ParseCategory maps a case-insensitive name to a Category.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case CategoryPost, CategoryPage, CategoryTag, CategoryCategory, CategoryAuthor,
		CategoryDailyArchive, CategoryMonthlyArchive, CategoryYearlyArchive,
		CategoryDateArchive, CategoryProduct, CategoryOther:
		return c, true
	}
	return "", false
}

var (
	productPath = regexp.MustCompile(`^/(?:product|shop)/[^/]+`)
	authorPath  = regexp.MustCompile(`^/author/[^/]+`)
	tagPath     = regexp.MustCompile(`^/(?:tag|product-tag)/[^/]+`)
	catPath     = regexp.MustCompile(`^/(?:category|product-category)/[^/]+`)
	pagedPath   = regexp.MustCompile(`^/page/\d+/?$`)
	dayArchive  = regexp.MustCompile(`^/\d{4}/\d{2}/\d{2}/?$`)
	monArchive  = regexp.MustCompile(`^/\d{4}/\d{2}/?$`)
	yearArchive = regexp.MustCompile(`^/\d{4}/?$`)
	datedPost   = regexp.MustCompile(`^/\d{4}/(?:\d{2}/){0,2}[^/]+/?$`)
	numericPost = regexp.MustCompile(`^/(?:archives/)?\d+/?$`)
	slugPath    = regexp.MustCompile(`^/[^/]+(?:/[^/]+)*/?$`)
	dateQuery   = regexp.MustCompile(`^\d{4,14}$`)
)

// Categorize classifies rawURL by common WordPress permalink structures.
func Categorize(rawURL string) Category {
	u, err := url.Parse(rawURL)
	if err != nil {
		return CategoryOther
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	if m := u.Query().Get("m"); m != "" && dateQuery.MatchString(m) {
		return CategoryDateArchive
	}
	switch {
	case productPath.MatchString(p):
		return CategoryProduct
	case authorPath.MatchString(p):
		return CategoryAuthor
	case tagPath.MatchString(p):
		return CategoryTag
	case catPath.MatchString(p):
		return CategoryCategory
	case p == "/" || pagedPath.MatchString(p):
		return CategoryPage
	case dayArchive.MatchString(p):
		return CategoryDailyArchive
	case monArchive.MatchString(p):
		return CategoryMonthlyArchive
	case yearArchive.MatchString(p):
		return CategoryYearlyArchive
	case datedPost.MatchString(p), numericPost.MatchString(p):
		return CategoryPost
	case slugPath.MatchString(p):
		return CategoryPost
	}
	return CategoryOther
}
