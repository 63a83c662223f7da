package rag

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"startuplab/internal/ai"
	"startuplab/pkg/aiinterface"
)

func newTestSession(t *testing.T, store VectorStore, msgs ...aiinterface.Message) *Session {
	t.Helper()
	conv := NewInMemoryConversationStore()
	require.NoError(t, conv.Reset(context.Background(), "s1", msgs...))
	return &Session{
		ID:           "s1",
		Conversation: conv,
		Store:        store,
		Sources:      NewSourceRegistry(t.TempDir()),
		Language:     "es",
	}
}

func collect(seq func(func(string) bool)) []string {
	var out []string
	for s := range seq {
		out = append(out, s)
	}
	return out
}

func lastMessage(t *testing.T, s *Session) aiinterface.Message {
	t.Helper()
	msgs, err := s.Conversation.Messages(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func userMsg(content string) aiinterface.Message {
	return aiinterface.Message{Role: aiinterface.RoleUser, Content: content}
}

func TestStreamAnswer_ForwardsDeltasAndRecordsOnce(t *testing.T) {
	gw := &fakeGateway{stream: sseStream("**Sociedad", " Limitada**\n", "- Capital: 3.000€")}
	g := NewAnswerGenerator(gw, nil, nil, nil, GeneratorOptions{})
	sess := newTestSession(t, nil, userMsg("¿Qué capital necesito para una SL?"))

	frags := collect(g.StreamAnswer(context.Background(), sess, ""))
	assert.Equal(t, []string{"**Sociedad", " Limitada**\n", "- Capital: 3.000€"}, frags)

	msgs, err := sess.Conversation.Messages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, aiinterface.RoleAssistant, msgs[1].Role)
	assert.Equal(t, strings.Join(frags, ""), msgs[1].Content)

	// 无向量库时使用 ungrounded 模板，只发送 system + 当前问题
	require.Len(t, gw.streams, 1)
	sent := gw.streams[0]
	require.Len(t, sent, 2)
	assert.Equal(t, DefaultPrompts().Ungrounded, sent[0].Content)
	assert.Equal(t, "¿Qué capital necesito para una SL?", sent[1].Content)
	assert.Equal(t, DefaultAnswerTemperature, gw.temperatures[0])
	assert.Zero(t, gw.invokeCount())
}

func TestStreamAnswer_RepetitionGuardStopsEarly(t *testing.T) {
	deltas := []string{"Trámites: "}
	for i := 0; i < 9; i++ {
		deltas = append(deltas, "empresa ")
	}
	deltas = append(deltas, "final")
	gw := &fakeGateway{stream: sseStream(deltas...)}
	g := NewAnswerGenerator(gw, nil, nil, nil, GeneratorOptions{})
	sess := newTestSession(t, nil, userMsg("pasos"))

	frags := collect(g.StreamAnswer(context.Background(), sess, "es"))

	require.Len(t, frags, 9)
	assert.Equal(t, "Trámites: ", frags[0])
	assert.Equal(t, 8, strings.Count(strings.Join(frags, ""), "empresa"))
	assert.NotContains(t, frags, "final")

	recorded := lastMessage(t, sess)
	assert.Equal(t, aiinterface.RoleAssistant, recorded.Role)
	assert.True(t, strings.HasSuffix(recorded.Content, "\n\n[Respuesta completada]"))
	assert.Equal(t, strings.Join(frags, "")+"\n\n[Respuesta completada]", recorded.Content)
}

func TestStreamAnswer_GatewayHTTP500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	gw := ai.NewGateway(aiinterface.ClientConfig{Endpoint: srv.URL, APIKey: "k", Timeout: 5})
	g := NewAnswerGenerator(gw, nil, nil, nil, GeneratorOptions{})
	sess := newTestSession(t, nil, userMsg("¿Cómo me doy de alta en RETA?"))

	frags := collect(g.StreamAnswer(context.Background(), sess, "es"))
	assert.Equal(t, []string{"Error al procesar la consulta."}, frags)

	msgs, err := sess.Conversation.Messages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Error al procesar la consulta.", msgs[1].Content)
}

func TestStreamAnswer_SkipsMalformedAndForeignLines(t *testing.T) {
	body := ": ping\n" +
		"event: message\n" +
		"data: {not json}\n" +
		`data: {"choices":[{"delta":{"content":"Modelo 303"}}]}` + "\n" +
		`data: {"choices":[]}` + "\n" +
		"data: [DONE]\n" +
		`data: {"choices":[{"delta":{"content":"después"}}]}` + "\n"
	gw := &fakeGateway{stream: body}
	g := NewAnswerGenerator(gw, nil, nil, nil, GeneratorOptions{})
	sess := newTestSession(t, nil, userMsg("IVA"))

	frags := collect(g.StreamAnswer(context.Background(), sess, "es"))
	assert.Equal(t, []string{"Modelo 303"}, frags)
	assert.Equal(t, "Modelo 303", lastMessage(t, sess).Content)
}

func TestStreamAnswer_GroundedPipeline(t *testing.T) {
	store := &memStore{results: docs(12)}
	gw := &fakeGateway{stream: sseStream("ok")}
	gw.invokeFn = func(msgs []aiinterface.Message) (string, error) {
		if msgs[0].Content == DefaultPrompts().Rewrite {
			return "SL capital", nil
		}
		return "1,2,3,4,5,6,7,8,9,10", nil
	}
	g := NewAnswerGenerator(gw, nil, nil, nil, GeneratorOptions{})
	greeting := aiinterface.Message{Role: aiinterface.RoleAssistant, Content: DefaultPrompts().Greeting}
	sess := newTestSession(t, store,
		greeting,
		userMsg("hola"),
		aiinterface.Message{Role: aiinterface.RoleAssistant, Content: "¿qué necesitas?"},
		userMsg("capital de una SL"),
	)

	frags := collect(g.StreamAnswer(context.Background(), sess, "es"))
	assert.Equal(t, []string{"ok"}, frags)

	// 用改写后的查询检索 15 个候选
	require.Equal(t, []string{"SL capital"}, store.queries)

	// 改写 + 重排两次阻塞调用，重排使用原始问题
	require.Len(t, gw.invokes, 2)
	assert.Contains(t, gw.invokes[0][1].Content, "Usuario: hola")
	assert.Contains(t, gw.invokes[1][1].Content, "Query: capital de una SL")

	system := gw.streams[0][0].Content
	assert.Contains(t, system, "DOCUMENTOS LEGALES")
	assert.Contains(t, system, "[DOC1]\ndoc-10")
	assert.Contains(t, system, "[DOC5]\ndoc-6")
	assert.NotContains(t, system, "[DOC6]")
}

func TestStreamAnswer_RetrievalErrorDegrades(t *testing.T) {
	embedder := &fakeEmbeddingProvider{}
	store, err := OpenStore(context.Background(), StoreOptions{PersistDir: t.TempDir(), Embedder: embedder})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	gw := &fakeGateway{stream: sseStream("respuesta"), invokeReply: "q"}
	g := NewAnswerGenerator(gw, nil, nil, nil, GeneratorOptions{})
	sess := newTestSession(t, store, userMsg("pregunta"))

	frags := collect(g.StreamAnswer(context.Background(), sess, "es"))
	assert.Equal(t, []string{"respuesta"}, frags)
	assert.Equal(t, DefaultPrompts().Ungrounded, gw.streams[0][0].Content)
}

func TestStreamAnswer_SingleUse(t *testing.T) {
	gw := &fakeGateway{stream: sseStream("a", "b")}
	g := NewAnswerGenerator(gw, nil, nil, nil, GeneratorOptions{})
	sess := newTestSession(t, nil, userMsg("q"))

	seq := g.StreamAnswer(context.Background(), sess, "es")
	assert.Equal(t, []string{"a", "b"}, collect(seq))
	assert.Empty(t, collect(seq))
	assert.Len(t, gw.streams, 1)
}

func TestStreamAnswer_ConsumerStopsEarly(t *testing.T) {
	gw := &fakeGateway{stream: sseStream("uno ", "dos ", "tres")}
	g := NewAnswerGenerator(gw, nil, nil, nil, GeneratorOptions{})
	sess := newTestSession(t, nil, userMsg("q"))

	for frag := range g.StreamAnswer(context.Background(), sess, "es") {
		if frag == "uno " {
			break
		}
	}
	assert.Equal(t, "uno ", lastMessage(t, sess).Content)
}

func TestStreamAnswer_NoUserMessage(t *testing.T) {
	gw := &fakeGateway{stream: sseStream("x")}
	g := NewAnswerGenerator(gw, nil, nil, nil, GeneratorOptions{})
	sess := newTestSession(t, nil, aiinterface.Message{Role: aiinterface.RoleAssistant, Content: "hola"})

	frags := collect(g.StreamAnswer(context.Background(), sess, "es"))
	assert.Equal(t, []string{"Error al procesar la consulta."}, frags)
	assert.Empty(t, gw.streams)
}

func TestRepetitionGuard(t *testing.T) {
	g := NewRepetitionGuard()
	for i := 0; i < 8; i++ {
		assert.False(t, g.Observe("Hacienda SL SL SL "))
	}
	// 短词不计数
	assert.False(t, g.Observe(strings.Repeat("IVA ", 50)))
	assert.True(t, g.Observe("HACIENDA"))
	assert.True(t, g.Tripped())
	assert.True(t, g.Observe("otra"))
}

func TestSplitConversation(t *testing.T) {
	msgs := []aiinterface.Message{
		{Role: aiinterface.RoleAssistant, Content: "¡Bienvenido a StartupLab! 🚀"},
		userMsg("uno"),
		{Role: aiinterface.RoleAssistant, Content: "dos"},
		userMsg("tres"),
		{Role: aiinterface.RoleAssistant, Content: "parcial"},
	}
	query, history, ok := splitConversation(msgs)
	require.True(t, ok)
	assert.Equal(t, "tres", query)
	assert.Equal(t, []aiinterface.Message{userMsg("uno"), {Role: aiinterface.RoleAssistant, Content: "dos"}}, history)
}

func TestFormatContext(t *testing.T) {
	out := formatContext([]*SearchResult{{Content: strings.Repeat("x", 1300)}, {Content: "b"}})
	parts := strings.Split(out, "\n\n")
	require.Len(t, parts, 2)
	assert.Equal(t, "[DOC1]\n"+strings.Repeat("x", 1200), parts[0])
	assert.Equal(t, "[DOC2]\nb", parts[1])
}
