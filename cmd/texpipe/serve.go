package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/texpipe/internal/config"
	"github.com/John-Robertt/texpipe/internal/decode"
	"github.com/John-Robertt/texpipe/internal/device"
	"github.com/John-Robertt/texpipe/internal/infra/httpx"
	"github.com/John-Robertt/texpipe/internal/manifest"
	"github.com/John-Robertt/texpipe/internal/metrics"
	"github.com/John-Robertt/texpipe/internal/server"
	"github.com/John-Robertt/texpipe/internal/session"
	"github.com/John-Robertt/texpipe/internal/swcache"
)

const shutdownTimeout = 10 * time.Second

// localOriginBase 是本地目录 origin 的占位地址（file transport 忽略 host）。
const localOriginBase = "http://localhost"

func newServeCmd(a *app) *cobra.Command {
	var (
		listen string
		proxy  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动资源缓存层与运行期 API",
		Long: `serve 打开带版本的资源缓存（sqlite），执行安装（预缓存静态资源）与激活（删除旧版本缓存），
然后在 --listen 上提供：

  GET  /healthz
  GET  /api/profile?maxTextureSize=&memory=&dpr=&network=
  GET  /api/textures
  GET  /api/textures/:basename?ladder=&quality=
  POST /api/sw/messages            {"type":"CACHE_TEXTURES","textures":[...]}
  GET  /api/envmaps
  GET  /api/envmaps/:basename
  DELETE /api/envmaps/:basename
  GET  /metrics
  其余 GET 请求经缓存层转发到 origin

收到 SIGINT/SIGTERM 时优雅退出并释放全部缓存资源。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return withCode(exitFailed, err)
			}
			eff, err := config.LoadEffective(cwd, config.CLIArgs{
				ConfigPath: a.configPath,
				Listen:     listen,
				ListenSet:  cmd.Flags().Changed("listen"),
			})
			if err != nil {
				return withCode(exitUsage, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := newServeStack(ctx, eff, proxy, a.log)
			if err != nil {
				return withCode(exitFailed, err)
			}
			defer st.Close()

			fmt.Fprintf(a.stderr, "texpipe serve: listen=%s origin=%s cache=%s\n", eff.Serve.Listen, eff.Serve.Origin, eff.Serve.CacheDB)
			if err := st.run(ctx, eff.Serve.Listen); err != nil {
				return withCode(exitFailed, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "监听地址（默认 "+config.DefaultListen+"）")
	cmd.Flags().StringVar(&proxy, "proxy", "", "远程 origin 的 HTTP 代理")
	return cmd
}

// serveStack 是 serve 期间持有的全部资源；Close 按依赖的逆序释放。
type serveStack struct {
	log *slog.Logger

	storage *swcache.Storage
	cache   *swcache.Worker
	client  *decode.Client
	session *session.Session
	echo    *echo.Echo
}

func newServeStack(ctx context.Context, eff config.EffectiveConfig, proxy string, log *slog.Logger) (_ *serveStack, err error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	st := &serveStack{log: log}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	sc := eff.Serve
	m, err := manifest.Load(filepath.Join(eff.Output, manifest.FileName))
	if err != nil {
		return nil, fmt.Errorf("读取 manifest 失败（先运行 texpipe build）：%w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	origin, base, err := originFor(sc, proxy)
	if err != nil {
		return nil, err
	}

	if st.storage, err = swcache.Open(sc.CacheDB); err != nil {
		return nil, err
	}
	st.cache, err = swcache.New(ctx, st.storage, swcache.Config{
		Prefix:              sc.CachePrefix,
		Version:             sc.CacheVersion,
		StaticURLs:          sc.StaticURLs,
		EntryHTML:           sc.EntryHTML,
		Origin:              origin,
		BaseURL:             base,
		PrefetchConcurrency: sc.PrefetchConcurrency,
		Logger:              log.With("component", "swcache"),
		Metrics:             met,
	})
	if err != nil {
		return nil, err
	}
	installed, err := st.cache.Install(ctx)
	if err != nil {
		return nil, fmt.Errorf("缓存安装失败：%w", err)
	}
	deleted, err := st.cache.Activate(ctx)
	if err != nil {
		return nil, fmt.Errorf("缓存激活失败：%w", err)
	}
	log.Info("缓存就绪", "stores", st.cache.StoreNames(), "precached", len(installed), "deleted", deleted)

	// 解码 worker 的 fetch 也经过缓存层。
	dw, err := decode.NewWorker(decode.Options{
		HTTP:    &http.Client{Transport: st.cache.Transport()},
		BaseURL: base,
		Logger:  log.With("component", "decode"),
		Metrics: met,
	})
	if err != nil {
		return nil, err
	}
	st.client = decode.NewClient(dw, log.With("component", "decode"))

	signals, host := device.ProbeHost(ctx, log)
	st.session, err = session.New(session.Options{
		Manifest:  m,
		Decoder:   st.client,
		Signals:   signals,
		CacheSize: sc.PMREMCacheSize,
		Logger:    log.With("component", "session"),
		Metrics:   met,
	})
	if err != nil {
		return nil, err
	}
	log.Info("会话就绪", "tier", st.session.Profile().TierName, "quality", st.session.Profile().SelectedQuality, "memory_bytes", host.TotalMemoryBytes)

	st.echo = server.New(server.Deps{
		Manifest: m,
		Cache:    st.cache,
		Session:  st.session,
		Gatherer: reg,
		Logger:   log.With("component", "server"),
	})
	return st, nil
}

// originFor 返回 origin 的 RoundTripper 与基础地址：本地目录用 file transport，远程用带重试的 httpx。
func originFor(sc config.EffectiveServe, proxy string) (http.RoundTripper, string, error) {
	if sc.OriginRemote {
		tr, err := httpx.NewOriginTransport(proxy)
		if err != nil {
			return nil, "", err
		}
		return tr, sc.Origin, nil
	}
	fi, err := os.Stat(sc.Origin)
	if err != nil {
		return nil, "", fmt.Errorf("origin 目录不可用：%w", err)
	}
	if !fi.IsDir() {
		return nil, "", fmt.Errorf("origin 不是目录：%s", sc.Origin)
	}
	return http.NewFileTransport(http.Dir(sc.Origin)), localOriginBase, nil
}

// run 启动 HTTP 服务，直到 ctx 结束后优雅关闭。
func (st *serveStack) run(ctx context.Context, listen string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st.log.Info("starting server", "address", listen)
		if err := st.echo.Start(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		st.log.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return st.echo.Shutdown(sctx)
	})
	return g.Wait()
}

// Close 按会话、解码、缓存层、数据库的顺序释放（可重复调用）。
func (st *serveStack) Close() {
	if st.session != nil {
		st.session.Close()
		st.session = nil
	}
	if st.client != nil {
		st.client.Close()
		st.client = nil
	}
	if st.cache != nil {
		st.cache.Close()
		st.cache = nil
	}
	if st.storage != nil {
		if err := st.storage.Close(); err != nil {
			st.log.Warn("关闭缓存数据库失败", "err", err)
		}
		st.storage = nil
	}
}
