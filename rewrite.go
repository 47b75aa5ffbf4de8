package imagemill

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/image-mill/image-mill/storage"
	"github.com/image-mill/image-mill/variant"
)

// rewriteHTML replaces each <img> whose src is an ingested source URL
// with a <picture> element offering the avif and webp ladders plus an
// original-format fallback. Unknown sources pass through untouched.
// Returns the rewritten fragment and the number of images replaced.
func (s *Service) rewriteHTML(fragment string) (string, int, error) {
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), context)
	if err != nil {
		return "", 0, err
	}

	root := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	rewritten := s.rewriteImgs(root)

	var out strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&out, c); err != nil {
			return "", 0, err
		}
	}
	return out.String(), rewritten, nil
}

// rewriteImgs walks the tree depth-first, swapping eligible <img> nodes
// for <picture> subtrees. Existing <picture> elements are left alone.
func (s *Service) rewriteImgs(n *html.Node) int {
	rewritten := 0
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.ElementNode && c.DataAtom == atom.Picture:
			// already responsive
		case c.Type == html.ElementNode && c.DataAtom == atom.Img:
			if picture, ok := s.pictureFor(c); ok {
				n.InsertBefore(picture, c)
				n.RemoveChild(c)
				rewritten++
			}
		default:
			rewritten += s.rewriteImgs(c)
		}
		c = next
	}
	return rewritten
}

// pictureFor builds the <picture> replacement for an <img>, or reports
// that its src is not an ingested source.
func (s *Service) pictureFor(img *html.Node) (*html.Node, bool) {
	src := attrValue(img, "src")
	if src == "" {
		return nil, false
	}
	o, ok, err := s.index.FindBySourceURL(src)
	if err != nil || !ok {
		return nil, false
	}
	ladder := s.resolver.Ladder(o.Width)
	if len(ladder) == 0 {
		return nil, false
	}

	picture := &html.Node{Type: html.ElementNode, Data: "picture", DataAtom: atom.Picture}
	for _, format := range []variant.Format{variant.FormatAVIF, variant.FormatWebP} {
		picture.AppendChild(&html.Node{
			Type:     html.ElementNode,
			Data:     "source",
			DataAtom: atom.Source,
			Attr: []html.Attribute{
				{Key: "type", Val: format.MIME(o.Format)},
				{Key: "srcset", Val: s.srcset(o, format, ladder)},
			},
		})
	}

	fallback := &html.Node{Type: html.ElementNode, Data: "img", DataAtom: atom.Img}
	fallback.Attr = []html.Attribute{
		{Key: "src", Val: s.variantPath(o, variant.FormatOriginal, ladder[0])},
		{Key: "srcset", Val: s.srcset(o, variant.FormatOriginal, ladder)},
	}
	for _, attr := range img.Attr {
		switch strings.ToLower(attr.Key) {
		case "src", "srcset":
			// replaced above
		default:
			fallback.Attr = append(fallback.Attr, attr)
		}
	}
	picture.AppendChild(fallback)
	return picture, true
}

// srcset renders "path 1920w, path 1280w" descriptors for one format
// over the ladder.
func (s *Service) srcset(o storage.Original, format variant.Format, ladder []int) string {
	parts := make([]string, 0, len(ladder))
	for _, width := range ladder {
		parts = append(parts, fmt.Sprintf("%s %dw", s.variantPath(o, format, width), width))
	}
	return strings.Join(parts, ", ")
}

// variantPath returns the URL path of one derivative, which matches its
// storage path under the root.
func (s *Service) variantPath(o storage.Original, format variant.Format, width int) string {
	key := variant.Key{OriginalID: o.ID, Width: width, Format: format}
	return "/" + s.store.PathFor(key, o.Format)
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if strings.EqualFold(attr.Key, key) {
			return attr.Val
		}
	}
	return ""
}
