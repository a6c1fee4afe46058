package parser

import (
	"sort"
	"strconv"

	"xr-compress-lab/internal/model"
)

// OutputParser 仿真输出解析接口，调用方不关心锚点/正则细节
type OutputParser interface {
	Parse(raw string, participantCount int, choice []int) []model.ParticipantMetric
	ChannelQualities(raw string) map[int]float64
}

type Parser struct {
	g Grammar
}

func New(g Grammar) *Parser {
	return &Parser{g: g}
}

// Default 使用 v1 语法
func Default() *Parser {
	return New(DefaultGrammar())
}

func (p *Parser) Version() string { return p.g.Version }

type block struct {
	participant int
	text        string
}

// blocks 按锚点切分文本：每块从本锚点到下一个锚点，避免缺字段的块借用相邻用户的数值
func (p *Parser) blocks(raw string) []block {
	locs := p.g.Anchor.FindAllStringSubmatchIndex(raw, -1)
	out := make([]block, 0, len(locs))
	for i, loc := range locs {
		id, err := strconv.Atoi(raw[loc[2]:loc[3]])
		if err != nil {
			continue
		}
		end := len(raw)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		out = append(out, block{participant: id, text: raw[loc[1]:end]})
	}
	return out
}

// Parse 两遍解析：主遍按固定顺序提取必填字段，缺任一字段的块直接丢弃；
// 次遍提取误差指标并合并，缺失时为 0。结果按用户索引排序。
func (p *Parser) Parse(raw string, participantCount int, choice []int) []model.ParticipantMetric {
	byID := map[int]*model.ParticipantMetric{}

	for _, b := range p.blocks(raw) {
		if b.participant < 0 || b.participant >= participantCount {
			continue
		}
		if _, dup := byID[b.participant]; dup {
			continue
		}
		values, ok := p.extractOrdered(b.text)
		if !ok {
			continue
		}
		m, ok := buildMetric(b.participant, values)
		if !ok {
			continue
		}
		if b.participant < len(choice) {
			m.ParameterLevel = choice[b.participant]
		}
		byID[b.participant] = &m
	}

	// 次遍：误差块
	seen := map[int]bool{}
	for _, b := range p.blocks(raw) {
		m, ok := byID[b.participant]
		if !ok || seen[b.participant] {
			continue
		}
		sub := p.g.ErrorField.Pattern.FindStringSubmatch(b.text)
		if len(sub) < 2 {
			continue
		}
		if v, err := strconv.ParseFloat(sub[1], 64); err == nil {
			m.AvgError = v
			seen[b.participant] = true
		}
	}

	out := make([]model.ParticipantMetric, 0, len(byID))
	for _, m := range byID {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// ChannelQualities 只提取每个用户的平均信道质量（warmup 使用）
func (p *Parser) ChannelQualities(raw string) map[int]float64 {
	out := map[int]float64{}
	f, ok := p.g.field(FieldChannelQuality)
	if !ok {
		return out
	}
	for _, b := range p.blocks(raw) {
		if _, dup := out[b.participant]; dup {
			continue
		}
		sub := f.Pattern.FindStringSubmatch(b.text)
		if len(sub) < 2 {
			continue
		}
		if v, err := strconv.ParseFloat(sub[1], 64); err == nil {
			out[b.participant] = v
		}
	}
	return out
}

func (p *Parser) extractOrdered(text string) (map[string]string, bool) {
	values := make(map[string]string, len(p.g.Fields))
	pos := 0
	for _, f := range p.g.Fields {
		loc := f.Pattern.FindStringSubmatchIndex(text[pos:])
		if loc == nil || loc[2] < 0 {
			return nil, false
		}
		values[f.Name] = text[pos+loc[2] : pos+loc[3]]
		pos += loc[1]
	}
	return values, true
}

func buildMetric(participant int, v map[string]string) (model.ParticipantMetric, bool) {
	m := model.ParticipantMetric{ParticipantID: participant}

	total, err1 := strconv.Atoi(v[FieldTotalFrames])
	onTime, err2 := strconv.Atoi(v[FieldOnTimeFrames])
	delay, err3 := strconv.ParseFloat(v[FieldAvgDelay], 64)
	rel, err4 := strconv.ParseFloat(v[FieldDelayReliability], 64)
	cq, err5 := strconv.ParseFloat(v[FieldChannelQuality], 64)
	sat, ok := v[FieldSatisfied]
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil || !ok {
		return m, false
	}
	if total < 0 || onTime < 0 || onTime > total {
		return m, false
	}

	rel /= 100.0
	if rel < 0 {
		rel = 0
	} else if rel > 1 {
		rel = 1
	}

	m.TotalFrames = total
	m.OnTimeFrames = onTime
	m.AvgDelayMs = delay
	m.DelayReliability = rel
	if sat == "YES" {
		m.Satisfied = 1
	}
	m.AvgChannelQuality = cq
	return m, true
}
