package wiki

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const article = `<!DOCTYPE html>
<html><body>
<div id="mw-navigation"><a href="/wiki/Main_Page">Main page</a></div>
<div id="mw-content-text">
  <p>
    <a href="/wiki/Go_(programming_language)">Go</a> was designed at
    <a href="/wiki/Google">Google</a> by
    <a href="/wiki/Robert_Griesemer">Robert Griesemer</a>.
    <a href="/wiki/Google#History">Google history</a>
    <a href="/wiki/Category:Programming_languages">category</a>
    <a href="/wiki/Talk:Go_(programming_language)">talk</a>
    <a href="/wiki/Template_talk:Infobox">template talk</a>
    <a href="/wiki/Special:BookSources">books</a>
    <a href="/w/index.php?title=Go&action=edit">edit</a>
    <a href="https://go.dev/">external</a>
    <a href="/wiki/">empty</a>
  </p>
  <div class="reflist"><a href="/wiki/Cited_Source">cited</a></div>
  <div id="Authority_control_files"><span><a href="/wiki/Library_of_Congress">LoC</a></span></div>
</div>
</body></html>`

func TestExtractLinksCountsContentArticles(t *testing.T) {
	t.Parallel()

	links, err := New().ExtractLinks([]byte(article))
	require.NoError(t, err)
	require.Equal(t, map[string]int{
		"Go_(programming_language)": 1,
		"Google":                    2,
		"Robert_Griesemer":          1,
	}, links)
}

func TestExtractLinksWithoutContentBlock(t *testing.T) {
	t.Parallel()

	links, err := New().ExtractLinks([]byte(`<html><body><a href="/wiki/Go">Go</a></body></html>`))
	require.NoError(t, err)
	require.Empty(t, links)
}

func TestSkippedNamespaces(t *testing.T) {
	t.Parallel()
	e := New()

	for _, name := range []string{"User:Jimbo", "Wikipedia_talk:Policy", "File:Logo.svg", "Module:Arguments", "Special:Random"} {
		require.True(t, e.skipped(name), name)
	}
	for _, name := range []string{"Userland", "Filesystem", "Go"} {
		require.False(t, e.skipped(name), name)
	}
}
