package parsers

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DocxParser Word 文档解析器（.docx）
// .docx 是 ZIP 压缩包，正文位于 word/document.xml
type DocxParser struct{}

// NewDocxParser 创建 DOCX 解析器
func NewDocxParser() *DocxParser {
	return &DocxParser{}
}

// Parse 解析 DOCX 文档，每个段落一行
func (p *DocxParser) Parse(reader io.Reader) (string, error) {
	// zip 需要 ReaderAt
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("读取文档失败: %w", err)
	}

	zipReader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("打开 DOCX 失败: %w", err)
	}

	var documentXML []byte
	for _, file := range zipReader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("打开 document.xml 失败: %w", err)
		}
		documentXML, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("读取 document.xml 失败: %w", err)
		}
		break
	}
	if documentXML == nil {
		return "", fmt.Errorf("无效的 DOCX 文件：找不到 document.xml")
	}

	text, err := extractDocxText(documentXML)
	if err != nil {
		return "", fmt.Errorf("解析文档内容失败: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyContent
	}
	return text, nil
}

// SupportedExtensions 支持的扩展名
func (p *DocxParser) SupportedExtensions() []string {
	return []string{".docx"}
}

// CanParse 检查是否支持该扩展名
func (p *DocxParser) CanParse(extension string) bool {
	return supports(p, strings.ToLower(extension))
}

// extractDocxText 流式遍历 WordprocessingML
// w:t 为文本，w:tab 为制表符，w:br 为换行，w:p 结束时换段
// 表格单元格中的段落同样会被提取
func extractDocxText(xmlData []byte) (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(xmlData))

	var (
		result strings.Builder
		para   strings.Builder
		inText bool
	)

	flush := func() {
		line := strings.TrimSpace(para.String())
		para.Reset()
		if line == "" {
			return
		}
		if result.Len() > 0 {
			result.WriteString("\n")
		}
		result.WriteString(line)
	}

	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				para.WriteString("\t")
			case "br", "cr":
				para.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				flush()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	flush()

	return result.String(), nil
}
