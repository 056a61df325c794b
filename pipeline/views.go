package pipeline

import (
	"strconv"

	"github.com/aluiziolira/go-scrape-products/models"
)

// ItemColumns is the header of the tabular item view.
var ItemColumns = []string{"name", "price", "brand", "rating", "reviewCount", "url", "imageUrl", "category", "isAd"}

// ReviewColumns is the header of the tabular review view.
var ReviewColumns = []string{"productUrl", "comment", "rating", "date"}

// NestedReview is a review inside a NestedItem.
type NestedReview struct {
	Comment string   `json:"comment"`
	Rating  *float64 `json:"rating,omitempty"`
	Date    string   `json:"date,omitempty"`
}

// NestedItem is an item with its reviews inlined.
type NestedItem struct {
	models.Item
	Reviews []NestedReview `json:"reviews"`
}

// FlatItems is the per-item listing view.
func FlatItems(snap Snapshot) []models.Item {
	out := make([]models.Item, len(snap.Items))
	copy(out, snap.Items)
	return out
}

// NestedItems groups reviews under the item they reference. Orphan reviews
// have no item to sit under and are left out; the report counts them.
func NestedItems(snap Snapshot) []NestedItem {
	byItem := make(map[string][]NestedReview)
	for _, r := range snap.Reviews {
		byItem[r.ItemID] = append(byItem[r.ItemID], NestedReview{
			Comment: r.Comment,
			Rating:  r.Rating,
			Date:    r.Date,
		})
	}

	out := make([]NestedItem, 0, len(snap.Items))
	for _, it := range snap.Items {
		reviews := byItem[it.ID]
		if reviews == nil {
			reviews = []NestedReview{}
		}
		out = append(out, NestedItem{Item: it, Reviews: reviews})
	}
	return out
}

// ItemRows is the tabular item view, one row per item in ItemColumns order.
func ItemRows(snap Snapshot) [][]string {
	rows := make([][]string, 0, len(snap.Items))
	for _, it := range snap.Items {
		rows = append(rows, []string{
			it.Title,
			formatFloat(it.Price),
			it.Brand,
			formatOptional(it.Rating),
			strconv.Itoa(it.ReviewCount),
			it.URL,
			it.ImageURL,
			it.Category,
			strconv.FormatBool(it.IsAd),
		})
	}
	return rows
}

// ReviewRows is the tabular review view in ReviewColumns order.
func ReviewRows(snap Snapshot) [][]string {
	rows := make([][]string, 0, len(snap.Reviews))
	for _, r := range snap.Reviews {
		rows = append(rows, []string{r.ItemURL, r.Comment, formatOptional(r.Rating), r.Date})
	}
	return rows
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
