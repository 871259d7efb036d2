package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DEBUG = iota
	INFO
	WARN
	ERROR
)

func ParseLevel(level string) int {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return DEBUG
	}
}

var levelMap = map[int][]byte{
	DEBUG: []byte("DEBUG"),
	INFO:  []byte("INFO"),
	WARN:  []byte("WARN"),
	ERROR: []byte("ERROR"),
}

var (
	leftBracket  = []byte("[")
	rightBracket = []byte("]")
	space        = []byte(" ")
	colon        = []byte(":")
	funcBracket  = []byte("()")
	lineFeed     = []byte("\n")
)

var (
	red     = []byte{27, 91, 51, 49, 109}
	green   = []byte{27, 91, 51, 50, 109}
	yellow  = []byte{27, 91, 51, 51, 109}
	blue    = []byte{27, 91, 51, 52, 109}
	magenta = []byte{27, 91, 51, 53, 109}
	cyan    = []byte{27, 91, 51, 54, 109}
	reset   = []byte{27, 91, 48, 109}
)

const (
	logInfoChanSize  = 1000
	maxWriteCacheNum = 1000
)

var logger atomic.Pointer[Logger]

func GetConfig() *Config {
	l := logger.Load()
	if l == nil {
		return nil
	}
	return l.config
}

type Config struct {
	AppName      string    // 应用名
	Level        int       // 日志等级
	TrackLine    bool      // 打印代码行
	TrackThread  bool      // 打印协程和线程id
	DisableColor bool      // 禁用颜色
	Writer       io.Writer // 输出目标 为空时输出到标准错误
}

type Logger struct {
	LogInfoChan   chan *LogInfo
	WriteBuf      []byte
	WriteCacheNum int32
	Writer        io.Writer
	CloseChan     chan struct{}

	config *Config
	lock   sync.RWMutex // 发送方持读锁 关闭方持写锁
	closed bool
}

type LogInfo struct {
	Time        time.Time
	Level       int
	Msg         []byte
	FileName    string
	FuncName    string
	Line        int
	GoroutineId string
	ThreadId    string
}

var logInfoPool = sync.Pool{New: func() any { return new(LogInfo) }}

// InitLogger 启动日志协程 未初始化时所有日志调用均为空操作
func InitLogger(cfg *Config) {
	if cfg == nil {
		cfg = &Config{
			AppName:      "gcalloc",
			Level:        DEBUG,
			TrackLine:    true,
			TrackThread:  false,
			DisableColor: false,
		}
	}
	l := new(Logger)
	l.config = cfg
	l.LogInfoChan = make(chan *LogInfo, logInfoChanSize)
	l.WriteBuf = make([]byte, 0)
	l.WriteCacheNum = 0
	l.Writer = cfg.Writer
	if l.Writer == nil {
		l.Writer = os.Stderr
	}
	l.CloseChan = make(chan struct{})
	go l.doLog()
	if old := logger.Swap(l); old != nil {
		old.close()
	}
}

// CloseLogger 刷出已提交的日志并停止日志协程 之后的日志调用为空操作
func CloseLogger() {
	l := logger.Swap(nil)
	if l == nil {
		return
	}
	l.close()
}

func (l *Logger) close() {
	// 等待进行中的发送完成 此后通道内的日志数量不再增加
	l.lock.Lock()
	l.closed = true
	l.lock.Unlock()
	l.CloseChan <- struct{}{}
	<-l.CloseChan
}

func (l *Logger) doLog() {
	var logBuf bytes.Buffer
	timeBuf := make([]byte, 0, 64)
	exit := false
	exitCountDown := 0
	for {
		select {
		case <-l.CloseChan:
			exit = true
			exitCountDown = len(l.LogInfoChan)
		case logInfo := <-l.LogInfoChan:
			l.format(&logBuf, timeBuf, logInfo)
			l.writeLog(logBuf.Bytes())
			logInfoPool.Put(logInfo)
			logBuf.Reset()
			if exit {
				exitCountDown--
			}
		}
		if exit && exitCountDown <= 0 {
			l.flush()
			l.CloseChan <- struct{}{}
			return
		}
	}
}

func (l *Logger) format(logBuf *bytes.Buffer, timeBuf []byte, logInfo *LogInfo) {
	color := !l.config.DisableColor
	if color {
		logBuf.Write(cyan)
	}
	logBuf.Write(leftBracket)
	logBuf.Write(logInfo.Time.AppendFormat(timeBuf[:0], "2006-01-02 15:04:05.000"))
	logBuf.Write(rightBracket)
	if color {
		logBuf.Write(reset)
	}
	logBuf.Write(space)

	if color {
		switch logInfo.Level {
		case DEBUG:
			logBuf.Write(blue)
		case INFO:
			logBuf.Write(green)
		case WARN:
			logBuf.Write(yellow)
		case ERROR:
			logBuf.Write(red)
		}
	}
	logBuf.Write(leftBracket)
	logBuf.Write(levelMap[logInfo.Level])
	logBuf.Write(rightBracket)
	if color {
		logBuf.Write(reset)
	}
	logBuf.Write(space)

	if color && logInfo.Level == ERROR {
		logBuf.Write(red)
		logBuf.Write(logInfo.Msg)
		logBuf.Write(reset)
	} else {
		logBuf.Write(logInfo.Msg)
	}

	if logInfo.FileName != "" {
		logBuf.Write(space)
		if color {
			logBuf.Write(magenta)
		}
		logBuf.Write(leftBracket)
		logBuf.WriteString(logInfo.FileName)
		logBuf.Write(colon)
		logBuf.WriteString(strconv.Itoa(logInfo.Line))
		logBuf.Write(space)
		logBuf.WriteString(logInfo.FuncName)
		logBuf.Write(funcBracket)
		if logInfo.ThreadId != "" {
			logBuf.WriteString(" goroutine:")
			logBuf.WriteString(logInfo.GoroutineId)
			logBuf.WriteString(" thread:")
			logBuf.WriteString(logInfo.ThreadId)
		}
		logBuf.Write(rightBracket)
		if color {
			logBuf.Write(reset)
		}
	}

	logBuf.Write(lineFeed)
}

func (l *Logger) writeLog(logData []byte) {
	l.WriteBuf = append(l.WriteBuf, logData...)
	l.WriteCacheNum++
	if len(l.LogInfoChan) != 0 && l.WriteCacheNum < maxWriteCacheNum {
		return
	}
	l.flush()
}

func (l *Logger) flush() {
	if len(l.WriteBuf) == 0 {
		return
	}
	_, _ = l.Writer.Write(l.WriteBuf)
	l.WriteBuf = l.WriteBuf[0:0]
	l.WriteCacheNum = 0
}

func formatLog(l *Logger, level int, msg string, param []any) {
	logInfo := logInfoPool.Get().(*LogInfo)
	logInfo.Time = time.Now()
	logInfo.Level = level
	logInfo.Msg = fmt.Appendf(logInfo.Msg[:0], msg, param...)
	logInfo.FileName, logInfo.Line, logInfo.FuncName = "", 0, ""
	logInfo.GoroutineId, logInfo.ThreadId = "", ""
	if l.config.TrackLine {
		logInfo.FileName, logInfo.Line, logInfo.FuncName = getLineFunc()
		if l.config.TrackThread {
			logInfo.GoroutineId = getGoroutineId()
			logInfo.ThreadId = getThreadId()
		}
	}
	l.lock.RLock()
	if l.closed {
		l.lock.RUnlock()
		logInfoPool.Put(logInfo)
		return
	}
	l.LogInfoChan <- logInfo
	l.lock.RUnlock()
}

func enabled(level int) *Logger {
	l := logger.Load()
	if l == nil || l.config.Level > level {
		return nil
	}
	return l
}

func Debug(msg string, param ...any) {
	l := enabled(DEBUG)
	if l == nil {
		return
	}
	formatLog(l, DEBUG, msg, param)
}

func Info(msg string, param ...any) {
	l := enabled(INFO)
	if l == nil {
		return
	}
	formatLog(l, INFO, msg, param)
}

func Warn(msg string, param ...any) {
	l := enabled(WARN)
	if l == nil {
		return
	}
	formatLog(l, WARN, msg, param)
}

func Error(msg string, param ...any) {
	l := enabled(ERROR)
	if l == nil {
		return
	}
	formatLog(l, ERROR, msg, param)
}

func getGoroutineId() string {
	buf := make([]byte, 32)
	runtime.Stack(buf, false)
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return "?"
	}
	return string(buf[:i])
}

func getLineFunc() (fileName string, line int, funcName string) {
	pc, file, line, ok := runtime.Caller(3)
	if !ok {
		return "???", -1, "???"
	}
	fileName = path.Base(file)
	funcName = runtime.FuncForPC(pc).Name()
	split := strings.Split(funcName, ".")
	if len(split) != 0 {
		funcName = split[len(split)-1]
	}
	return fileName, line, funcName
}

func Stack() string {
	buf := make([]byte, 1024)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}
